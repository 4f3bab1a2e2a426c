package push_test

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/helpdesk/internal/model"
	"github.com/nhle/helpdesk/internal/push"
	"github.com/nhle/helpdesk/tests/testutil"
)

// recorder collects delivered events.
type recorder struct {
	mu     sync.Mutex
	events []model.PushEvent
}

func (r *recorder) handle(ev model.PushEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) ids() []model.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.ID, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Notification.ID
	}
	return out
}

func newFakeAPI(t *testing.T) *testutil.FakeAPI {
	t.Helper()
	srv := testutil.NewFakeAPI(t)
	srv.AddAccount("ana@example.com", "pw", "tok-ana", model.UserProfile{ID: "7"})
	return srv
}

func TestChannel_DeliversInOrder(t *testing.T) {
	srv := newFakeAPI(t)
	ch := push.NewChannel(srv.PushConfig(), zerolog.Nop())

	rec := &recorder{}
	sub, err := ch.Open("7", "tok-ana", rec.handle)
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close(sub) })

	srv.WaitForSubscribers(t, "7", 1)

	for _, id := range []string{"1", "2", "3"} {
		srv.Push(t, "7", map[string]any{"userId": 7, "id": id, "title": "t" + id, "message": "m"})
	}

	require.Eventually(t, func() bool { return len(rec.ids()) == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []model.ID{"1", "2", "3"}, rec.ids())
	assert.Equal(t, model.ID("7"), sub.UserID())
	assert.NotEmpty(t, sub.ID())
}

func TestChannel_DropsMalformedFrames(t *testing.T) {
	srv := newFakeAPI(t)
	ch := push.NewChannel(srv.PushConfig(), zerolog.Nop())

	rec := &recorder{}
	sub, err := ch.Open("7", "tok-ana", rec.handle)
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close(sub) })

	srv.WaitForSubscribers(t, "7", 1)

	srv.Push(t, "7", []byte(`not json`))
	srv.Push(t, "7", map[string]any{"id": 1, "title": "no routing key"})
	srv.Push(t, "7", map[string]any{"userId": 7, "title": "no id"})
	srv.Push(t, "7", map[string]any{"userId": 7, "id": 2, "titulo": "ok"})

	require.Eventually(t, func() bool { return len(rec.ids()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []model.ID{"2"}, rec.ids())
	assert.True(t, sub.Active(), "malformed frames must not end the subscription")
}

func TestChannel_ReconnectsAfterDrop(t *testing.T) {
	srv := newFakeAPI(t)
	ch := push.NewChannel(srv.PushConfig(), zerolog.Nop())

	rec := &recorder{}
	sub, err := ch.Open("7", "tok-ana", rec.handle)
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close(sub) })

	srv.WaitForSubscribers(t, "7", 1)
	srv.DropConnections("7")

	require.Eventually(t, func() bool { return srv.Dials("7") >= 2 }, 3*time.Second, 10*time.Millisecond)
	srv.WaitForSubscribers(t, "7", 1)

	srv.Push(t, "7", map[string]any{"userId": 7, "id": 10})
	require.Eventually(t, func() bool { return len(rec.ids()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestChannel_CloseStopsDelivery(t *testing.T) {
	srv := newFakeAPI(t)
	ch := push.NewChannel(srv.PushConfig(), zerolog.Nop())

	rec := &recorder{}
	sub, err := ch.Open("7", "tok-ana", rec.handle)
	require.NoError(t, err)
	srv.WaitForSubscribers(t, "7", 1)

	ch.Close(sub)
	ch.Close(sub)

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("transport loop did not exit after Close")
	}
	assert.False(t, sub.Active())
	assert.NoError(t, sub.Err())
	srv.WaitForSubscribers(t, "7", 0)
	assert.Empty(t, rec.ids())
}

func TestChannel_UnauthorizedEndsSubscription(t *testing.T) {
	srv := newFakeAPI(t)
	ch := push.NewChannel(srv.PushConfig(), zerolog.Nop())

	sub, err := ch.Open("7", "revoked", func(model.PushEvent) {})
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close(sub) })

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("rejected subscription kept reconnecting")
	}
	assert.Zero(t, srv.Dials("7"))
	assert.ErrorIs(t, sub.Err(), push.ErrUnauthorized)
	assert.False(t, sub.Active())
}

func TestChannel_RevokedTokenEndsSubscriptionOnReconnect(t *testing.T) {
	srv := newFakeAPI(t)
	ch := push.NewChannel(srv.PushConfig(), zerolog.Nop())

	sub, err := ch.Open("7", "tok-ana", func(model.PushEvent) {})
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close(sub) })
	srv.WaitForSubscribers(t, "7", 1)
	require.True(t, sub.Active())

	srv.RevokeToken("tok-ana")
	srv.DropConnections("7")

	select {
	case <-sub.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("subscription kept reconnecting with a revoked token")
	}
	assert.ErrorIs(t, sub.Err(), push.ErrUnauthorized)
	assert.False(t, sub.Active(), "a subscription whose loop gave up is not active")
	assert.Equal(t, 1, srv.Dials("7"))
}

func TestChannel_SetHandlerSwapsCallback(t *testing.T) {
	srv := newFakeAPI(t)
	ch := push.NewChannel(srv.PushConfig(), zerolog.Nop())

	first, second := &recorder{}, &recorder{}
	sub, err := ch.Open("7", "tok-ana", first.handle)
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close(sub) })
	srv.WaitForSubscribers(t, "7", 1)

	sub.SetHandler(second.handle)
	srv.Push(t, "7", map[string]any{"userId": 7, "id": 1})

	require.Eventually(t, func() bool { return len(second.ids()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, first.ids())
	assert.Equal(t, 1, srv.Dials("7"), "swapping the handler must not reconnect")
}

func TestChannel_PanickingHandlerKeepsReading(t *testing.T) {
	srv := newFakeAPI(t)
	ch := push.NewChannel(srv.PushConfig(), zerolog.Nop())

	rec := &recorder{}
	sub, err := ch.Open("7", "tok-ana", func(ev model.PushEvent) {
		if ev.Notification.ID == "1" {
			panic("handler bug")
		}
		rec.handle(ev)
	})
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close(sub) })
	srv.WaitForSubscribers(t, "7", 1)

	srv.Push(t, "7", map[string]any{"userId": 7, "id": 1})
	srv.Push(t, "7", map[string]any{"userId": 7, "id": 2})

	require.Eventually(t, func() bool { return len(rec.ids()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, srv.Dials("7"))
}

func TestChannel_OpenRejectsBadURL(t *testing.T) {
	ch := push.NewChannel(model.PushConfig{URL: "://bad"}, zerolog.Nop())
	_, err := ch.Open("7", "tok", func(model.PushEvent) {})
	assert.Error(t, err)
}
