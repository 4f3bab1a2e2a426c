package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/nhle/helpdesk/internal/model"
)

// FakeAPI is an in-process helpdesk server: login, profile, notification
// list and mark-read over HTTP, and the push endpoint over WebSocket.
type FakeAPI struct {
	*httptest.Server

	upgrader websocket.Upgrader

	mu            sync.Mutex
	accounts      map[string]fakeAccount
	profiles      map[string]model.UserProfile
	notifications map[model.ID][]model.Notification
	listQueries   []string
	markReadIDs   []string
	subscribers   map[model.ID][]*websocket.Conn
	dials         map[model.ID]int

	// OnList, when set, runs before each list request is answered.
	OnList func(userID model.ID)
}

type fakeAccount struct {
	password string
	token    string
	user     model.UserProfile
}

// NewFakeAPI starts a FakeAPI and closes it when the test completes.
func NewFakeAPI(t *testing.T) *FakeAPI {
	t.Helper()

	f := &FakeAPI{
		accounts:      make(map[string]fakeAccount),
		profiles:      make(map[string]model.UserProfile),
		notifications: make(map[model.ID][]model.Notification),
		subscribers:   make(map[model.ID][]*websocket.Conn),
		dials:         make(map[model.ID]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /login", f.handleLogin)
	mux.HandleFunc("GET /api/me", f.handleMe)
	mux.HandleFunc("GET /api/notificaciones", f.handleList)
	mux.HandleFunc("PUT /api/notificaciones/{id}/leida", f.handleMarkRead)
	mux.HandleFunc("GET /ws/notificaciones", f.handlePush)

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

// Close drops every push connection and shuts the server down.
func (f *FakeAPI) Close() {
	f.mu.Lock()
	for _, conns := range f.subscribers {
		for _, c := range conns {
			_ = c.Close()
		}
	}
	f.subscribers = make(map[model.ID][]*websocket.Conn)
	f.mu.Unlock()

	f.Server.Close()
}

// APIConfig points an api.Client at the server.
func (f *FakeAPI) APIConfig() model.APIConfig {
	return model.APIConfig{BaseURL: f.URL, TimeoutSec: 5, MaxRetries: 0}
}

// PushConfig points a push.Channel at the server with short reconnect
// delays.
func (f *FakeAPI) PushConfig() model.PushConfig {
	return model.PushConfig{
		URL:                "ws" + strings.TrimPrefix(f.URL, "http") + "/ws/notificaciones",
		ReconnectInitialMS: 20,
		ReconnectMaxSec:    1,
	}
}

// AddAccount registers a login and the token it yields.
func (f *FakeAPI) AddAccount(email, password, token string, user model.UserProfile) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[email] = fakeAccount{password: password, token: token, user: user}
	f.profiles[token] = user
}

// RevokeToken makes every later request with token fail with 401.
func (f *FakeAPI) RevokeToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.profiles, token)
}

// SetNotifications replaces the list served for userID.
func (f *FakeAPI) SetNotifications(userID model.ID, items []model.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications[userID] = append([]model.Notification(nil), items...)
}

// ListQueries returns the usuarioId of every list request, in order.
func (f *FakeAPI) ListQueries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.listQueries...)
}

// MarkReadIDs returns the ids of every mark-read request, in order.
func (f *FakeAPI) MarkReadIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.markReadIDs...)
}

// Subscribers returns the number of open push connections for userID.
func (f *FakeAPI) Subscribers(userID model.ID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribers[userID])
}

// Dials returns how many push connections were ever accepted for userID.
func (f *FakeAPI) Dials(userID model.ID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials[userID]
}

// WaitForSubscribers blocks until userID has exactly n push connections.
func (f *FakeAPI) WaitForSubscribers(t *testing.T, userID model.ID, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.Subscribers(userID) == n
	}, 2*time.Second, 10*time.Millisecond, "waiting for %d subscribers of %s", n, userID)
}

// Push writes frame to every push connection of userID. A []byte frame
// is sent as is, anything else is JSON-encoded.
func (f *FakeAPI) Push(t *testing.T, userID model.ID, frame any) {
	t.Helper()

	data, ok := frame.([]byte)
	if !ok {
		var err error
		data, err = json.Marshal(frame)
		require.NoError(t, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.subscribers[userID] {
		require.NoError(t, c.WriteMessage(websocket.TextMessage, data))
	}
}

// DropConnections closes every push connection of userID from the
// server side.
func (f *FakeAPI) DropConnections(userID model.ID) {
	f.mu.Lock()
	conns := f.subscribers[userID]
	delete(f.subscribers, userID)
	f.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

func (f *FakeAPI) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds model.Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid body"})
		return
	}

	f.mu.Lock()
	acct, ok := f.accounts[creds.Email]
	f.mu.Unlock()

	if !ok || acct.password != creds.Password {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"errors": []map[string]string{{"message": "Invalid user credentials"}},
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token": map[string]string{"type": "bearer", "token": acct.token},
		"user":  profileJSON(acct.user),
	})
}

func (f *FakeAPI) handleMe(w http.ResponseWriter, r *http.Request) {
	user, ok := f.authenticate(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": profileJSON(user)})
}

func (f *FakeAPI) handleList(w http.ResponseWriter, r *http.Request) {
	if _, ok := f.authenticate(w, r); !ok {
		return
	}

	userID := model.ID(r.URL.Query().Get("usuarioId"))

	f.mu.Lock()
	f.listQueries = append(f.listQueries, userID.String())
	hook := f.OnList
	f.mu.Unlock()

	if hook != nil {
		hook(userID)
	}

	f.mu.Lock()
	items := f.notifications[userID]
	out := make([]map[string]any, len(items))
	for i, n := range items {
		out[i] = notificationJSON(n)
	}
	f.mu.Unlock()

	writeJSON(w, http.StatusOK, out)
}

func (f *FakeAPI) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	user, ok := f.authenticate(w, r)
	if !ok {
		return
	}
	id := model.ID(r.PathValue("id"))

	f.mu.Lock()
	f.markReadIDs = append(f.markReadIDs, id.String())
	items := f.notifications[user.ID]
	for i := range items {
		if items[i].ID == id {
			items[i].Read = true
			rec := notificationJSON(items[i])
			f.mu.Unlock()
			writeJSON(w, http.StatusOK, rec)
			return
		}
	}
	f.mu.Unlock()

	writeJSON(w, http.StatusNotFound, map[string]string{"message": "Notificación no encontrada"})
}

func (f *FakeAPI) handlePush(w http.ResponseWriter, r *http.Request) {
	if _, ok := f.authenticate(w, r); !ok {
		return
	}
	userID := model.ID(r.URL.Query().Get("usuarioId"))

	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	f.mu.Lock()
	f.subscribers[userID] = append(f.subscribers[userID], conn)
	f.dials[userID]++
	f.mu.Unlock()

	// Block until the client goes away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	f.mu.Lock()
	conns := f.subscribers[userID]
	for i, c := range conns {
		if c == conn {
			f.subscribers[userID] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	f.mu.Unlock()
	_ = conn.Close()
}

func (f *FakeAPI) authenticate(w http.ResponseWriter, r *http.Request) (model.UserProfile, bool) {
	token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")

	f.mu.Lock()
	user, ok := f.profiles[token]
	f.mu.Unlock()

	if token == "" || !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Unauthorized access"})
		return model.UserProfile{}, false
	}
	return user, true
}

func profileJSON(u model.UserProfile) map[string]any {
	return map[string]any{
		"id":       u.ID,
		"nombre":   u.Name,
		"apellido": u.LastName,
		"correo":   u.Email,
		"tipo":     u.Type,
	}
}

// notificationJSON renders n the way the API does, with Spanish keys.
func notificationJSON(n model.Notification) map[string]any {
	out := map[string]any{
		"id":         n.ID,
		"usuario_id": n.UserID,
		"titulo":     n.Title,
		"mensaje":    n.Message,
		"leida":      n.Read,
	}
	if n.TicketID != "" {
		out["ticket_id"] = n.TicketID
	}
	if !n.CreatedAt.IsZero() {
		out["created_at"] = n.CreatedAt.Format(time.RFC3339)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
