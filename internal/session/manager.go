// Package session owns the authentication lifecycle: login, lazy profile
// hydration from a persisted token, and logout. The Manager is the only
// writer of the token/user pair, in memory and in the credential store.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/nhle/helpdesk/internal/api"
	"github.com/nhle/helpdesk/internal/credential"
	"github.com/nhle/helpdesk/internal/model"
)

var (
	// ErrNotAuthenticated is returned by operations that need a session.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrSuperseded is returned by Login when the session was logged out
	// or disposed while the credential exchange was in flight.
	ErrSuperseded = errors.New("session ended before login completed")
)

// AuthGateway is the subset of the API the manager needs.
type AuthGateway interface {
	Login(ctx context.Context, creds model.Credentials) (*api.LoginResult, error)
	Me(ctx context.Context, token string) (*model.UserProfile, error)
}

// Listener is told when a session becomes usable and when it ends. The
// notification synchronizer is the only listener in practice.
type Listener interface {
	Bootstrap(ctx context.Context) error
	Shutdown()
}

// Manager is the authentication state machine.
//
// No lock is held across a network call. Every step that resumes after
// one compares the generation it started under with the current one and
// drops its result if a logout happened in between.
type Manager struct {
	store credential.Store
	auth  AuthGateway
	log   zerolog.Logger

	// persistMu orders credential store writes with the in-memory commit
	// they belong to, so a late login cannot re-persist a token that a
	// logout has already cleared. Always taken before mu.
	persistMu sync.Mutex

	mu         sync.Mutex
	state      State
	token      string
	user       *model.UserProfile
	generation uint64
	listener   Listener
	disposed   bool
	hydrating  bool

	hydration singleflight.Group
}

// NewManager creates an anonymous manager. Call Init to load the
// persisted session.
func NewManager(store credential.Store, auth AuthGateway, logger zerolog.Logger) *Manager {
	return &Manager{
		store: store,
		auth:  auth,
		log:   logger.With().Str("component", "session").Logger(),
		state: StateAnonymous,
	}
}

// SetListener registers the component to bootstrap on login and shut down
// on logout.
func (m *Manager) SetListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listener = l
}

// Init loads the persisted token and user. It makes no network call; a
// token without a user is hydrated by the next CheckAuth.
func (m *Manager) Init(ctx context.Context) error {
	p, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading persisted session: %w", err)
	}

	var user *model.UserProfile
	if p.User != "" {
		user, err = model.ParseUserProfile([]byte(p.User))
		if err != nil {
			// The token is still worth trying; CheckAuth refetches the profile.
			m.log.Warn().Err(err).Msg("discarding unreadable cached profile")
			user = nil
		}
	}

	if p.Token == "" && p.User != "" {
		m.log.Warn().Msg("cached profile without token; clearing persisted session")
		if err := m.store.Clear(ctx); err != nil {
			return fmt.Errorf("clearing persisted session: %w", err)
		}
		user = nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.token = p.Token
	m.user = user
	m.state = StateAnonymous
	if m.token != "" && m.user != nil {
		m.state = StateAuthenticated
	}

	m.log.Debug().
		Str("state", m.state.String()).
		Bool("token", m.token != "").
		Bool("user", m.user != nil).
		Msg("session loaded")
	return nil
}

// Snapshot returns a copy of the current session.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	return Snapshot{
		State:      m.state,
		Token:      m.token,
		User:       m.user,
		Generation: m.generation,
	}
}

// Login exchanges creds for a token. On success the token and user are
// persisted together and the listener is bootstrapped. A rejected login
// returns *api.CredentialError whose message is the server's, and leaves
// the session exactly as it was.
func (m *Manager) Login(ctx context.Context, creds model.Credentials) error {
	m.mu.Lock()
	gen := m.generation
	marked := m.state == StateAnonymous
	if marked {
		m.state = StateAuthenticating
	}
	m.mu.Unlock()

	res, err := m.auth.Login(ctx, creds)
	if err != nil {
		m.mu.Lock()
		// A pending hydration may have moved the state on in the meantime;
		// only undo our own mark.
		if marked && m.generation == gen && m.state == StateAuthenticating && m.user == nil &&
			!m.hydrating {
			m.state = StateAnonymous
		}
		m.mu.Unlock()

		m.log.Info().Err(err).Str("email", creds.Email).Msg("login failed")
		return err
	}

	if !m.commit(ctx, gen, "", res.Token, res.User) {
		m.log.Info().Str("email", creds.Email).Msg("login completed after session ended; ignored")
		return ErrSuperseded
	}

	m.log.Info().Str("user_id", res.User.ID.String()).Msg("logged in")
	m.bootstrap(ctx)
	return nil
}

// CheckAuth brings the session up to date and is safe to call on every
// navigation. With a token and a user it only re-runs the (idempotent)
// listener bootstrap. With a token but no user it fetches the profile;
// any failure of that fetch invalidates the session. Anonymous sessions
// are left alone.
func (m *Manager) CheckAuth(ctx context.Context) error {
	snap := m.Snapshot()

	switch {
	case snap.Token == "":
		m.log.Debug().Msg("no stored token; nothing to check")
		return nil

	case snap.User != nil:
		m.bootstrap(ctx)
		return nil
	}

	_, err, _ := m.hydration.Do(snap.Token, func() (interface{}, error) {
		return nil, m.hydrate(ctx, snap.Token)
	})
	return err
}

// hydrate fetches the profile for token and commits it.
func (m *Manager) hydrate(ctx context.Context, token string) error {
	m.mu.Lock()
	if m.token != token || m.user != nil || m.disposed {
		m.mu.Unlock()
		return nil
	}
	gen := m.generation
	m.state = StateAuthenticating
	m.hydrating = true
	m.mu.Unlock()

	user, err := m.auth.Me(ctx, token)

	m.mu.Lock()
	m.hydrating = false
	m.mu.Unlock()
	if err != nil {
		m.log.Info().Err(err).Msg("stored token rejected")
		m.invalidate(ctx, gen, token)
		return nil
	}

	if !m.commit(ctx, gen, token, token, user) {
		m.log.Debug().Msg("profile arrived after session changed; ignored")
		return nil
	}

	m.log.Info().Str("user_id", user.ID.String()).Msg("session restored")
	m.bootstrap(ctx)
	return nil
}

// commit installs token and user and persists them as one pair. It is a
// no-op, returning false, when the generation moved on since gen or, if
// expectToken is set, when the session no longer holds that token.
func (m *Manager) commit(
	ctx context.Context,
	gen uint64,
	expectToken string,
	token string,
	user *model.UserProfile,
) bool {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.Lock()
	if m.generation != gen || m.disposed || (expectToken != "" && m.token != expectToken) {
		m.mu.Unlock()
		return false
	}
	m.token = token
	m.user = user
	m.state = StateAuthenticated
	m.mu.Unlock()

	encoded, err := user.Encode()
	if err == nil {
		err = m.store.Save(ctx, model.PersistedSession{Token: token, User: encoded})
	}
	if err != nil {
		// The in-memory session stays valid; it just won't survive a restart.
		m.log.Error().Err(err).Msg("persisting session")
	}
	return true
}

// Invalidate tears the session down because its credential was rejected.
// It is a no-op if the session has already moved past generation gen.
func (m *Manager) Invalidate(ctx context.Context, gen uint64) {
	m.invalidate(ctx, gen, "")
}

// invalidate is Invalidate that, when token is set, also requires the
// session to still hold that token.
func (m *Manager) invalidate(ctx context.Context, gen uint64, token string) {
	ended := m.teardown(ctx, func() bool {
		if m.generation != gen || (token != "" && m.token != token) {
			return false
		}
		m.state = StateInvalid
		return true
	})
	if ended {
		m.log.Info().Msg("session invalidated")
	}
}

// Logout clears the session in memory and in the credential store and
// shuts the listener down. It always succeeds; a store failure is logged.
func (m *Manager) Logout(ctx context.Context) {
	m.teardown(ctx, func() bool { return true })
	m.log.Info().Msg("logged out")
}

// teardown performs the logout cleanup if cond, evaluated under the lock,
// allows it. It reports whether the session was torn down.
func (m *Manager) teardown(ctx context.Context, cond func() bool) bool {
	m.persistMu.Lock()

	m.mu.Lock()
	if !cond() {
		m.mu.Unlock()
		m.persistMu.Unlock()
		return false
	}
	m.token = ""
	m.user = nil
	m.state = StateAnonymous
	m.generation++
	l := m.listener
	m.mu.Unlock()

	if err := m.store.Clear(ctx); err != nil {
		m.log.Error().Err(err).Msg("clearing persisted session")
	}
	m.persistMu.Unlock()

	if l != nil {
		l.Shutdown()
	}
	return true
}

// Dispose ends the manager's life without logging out: in-flight work is
// dropped and the listener is shut down, but the persisted session stays.
func (m *Manager) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	m.generation++
	l := m.listener
	m.mu.Unlock()

	if l != nil {
		l.Shutdown()
	}
}

// bootstrap runs the listener's bootstrap. Its failures never fail the
// session operation that triggered it.
func (m *Manager) bootstrap(ctx context.Context) {
	m.mu.Lock()
	l := m.listener
	ok := m.state == StateAuthenticated && !m.disposed
	m.mu.Unlock()

	if l == nil || !ok {
		return
	}
	if err := l.Bootstrap(ctx); err != nil {
		m.log.Warn().Err(err).Msg("notification bootstrap failed")
	}
}
