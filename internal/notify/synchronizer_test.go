package notify_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/helpdesk/internal/api"
	"github.com/nhle/helpdesk/internal/model"
	"github.com/nhle/helpdesk/internal/notify"
	"github.com/nhle/helpdesk/internal/push"
	"github.com/nhle/helpdesk/internal/session"
	"github.com/nhle/helpdesk/tests/testutil"
)

// fakeSession is a hand-driven session.
type fakeSession struct {
	mu          sync.Mutex
	snap        session.Snapshot
	invalidated []uint64
}

func (f *fakeSession) Snapshot() session.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeSession) Invalidate(_ context.Context, gen uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, gen)
	if f.snap.Generation == gen {
		f.snap = session.Snapshot{State: session.StateAnonymous, Generation: gen + 1}
	}
}

// login installs a session the way Manager.Login does: the generation only
// moves on logout or invalidation, never on a (re-)login.
func (f *fakeSession) login(userID model.ID, token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap = session.Snapshot{
		State:      session.StateAuthenticated,
		Token:      token,
		User:       &model.UserProfile{ID: userID},
		Generation: f.snap.Generation,
	}
}

func (f *fakeSession) logout() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap = session.Snapshot{State: session.StateAnonymous, Generation: f.snap.Generation + 1}
}

func (f *fakeSession) invalidations() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.invalidated...)
}

// fakeGateway serves per-user lists and marks records read in place.
type fakeGateway struct {
	mu        sync.Mutex
	items     map[model.ID][]model.Notification
	listErr   error
	markErr   error
	listCalls int
	marked    []model.ID

	// listGate, when set, holds every list call until closed; listSeen is
	// closed when the first held call arrives.
	listGate chan struct{}
	listSeen chan struct{}
}

func (g *fakeGateway) ListNotifications(ctx context.Context, _ string, userID model.ID) ([]model.Notification, error) {
	g.mu.Lock()
	g.listCalls++
	items := append([]model.Notification(nil), g.items[userID]...)
	err := g.listErr
	gate, seen := g.listGate, g.listSeen
	g.listSeen = nil
	g.mu.Unlock()

	if seen != nil {
		close(seen)
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (g *fakeGateway) MarkNotificationRead(_ context.Context, _ string, id model.ID) (*model.Notification, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.markErr != nil {
		return nil, g.markErr
	}
	g.marked = append(g.marked, id)
	for _, items := range g.items {
		for i := range items {
			if items[i].ID == id {
				items[i].Read = true
				n := items[i]
				return &n, nil
			}
		}
	}
	return nil, &api.Error{StatusCode: 404, Message: "not found"}
}

func (g *fakeGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.listCalls
}

// fakeChannel hands out transport-less subscriptions.
type fakeChannel struct {
	mu     sync.Mutex
	subs   []*push.Subscription
	tokens []string
	closes int
}

func (c *fakeChannel) Open(userID model.ID, token string, h push.Handler) (*push.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub := push.NewSubscription(userID, h)
	c.subs = append(c.subs, sub)
	c.tokens = append(c.tokens, token)
	return sub, nil
}

func (c *fakeChannel) Close(sub *push.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	sub.Close()
}

func (c *fakeChannel) opened() []*push.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*push.Subscription(nil), c.subs...)
}

type fixture struct {
	session *fakeSession
	gateway *fakeGateway
	channel *fakeChannel
	sync    *notify.Synchronizer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		session: &fakeSession{},
		gateway: &fakeGateway{items: map[model.ID][]model.Notification{
			"7": {
				{ID: "3", UserID: "7", Title: "Nuevo comentario"},
				{ID: "2", UserID: "7", Title: "Ticket asignado"},
				{ID: "2", UserID: "7", Title: "duplicate row"},
				{ID: "1", UserID: "7", Title: "Ticket creado", Read: true},
			},
			"8": {{ID: "9", UserID: "8", Title: "other user"}},
		}},
		channel: &fakeChannel{},
	}
	f.sync = notify.New(f.session, f.gateway, f.channel, testutil.Logger(t))
	return f
}

func pushEvent(userID, id model.ID) model.PushEvent {
	return model.PushEvent{
		UserID:       userID,
		Notification: model.Notification{ID: id, UserID: userID, Title: "push " + id.String()},
	}
}

func ids(feed notify.Feed) []model.ID {
	out := make([]model.ID, len(feed.Items))
	for i, n := range feed.Items {
		out[i] = n.ID
	}
	return out
}

func TestSynchronizer_BootstrapPullsAndSubscribes(t *testing.T) {
	f := newFixture(t)
	f.session.login("7", "tok-ana")

	require.NoError(t, f.sync.Bootstrap(context.Background()))

	feed := f.sync.Snapshot()
	assert.Equal(t, []model.ID{"3", "2", "1"}, ids(feed))
	assert.Equal(t, "Ticket asignado", feed.Items[1].Title, "first occurrence of a duplicate id wins")
	assert.Equal(t, 2, feed.UnreadCount)

	subs := f.channel.opened()
	require.Len(t, subs, 1)
	assert.Equal(t, model.ID("7"), subs[0].UserID())
	assert.Equal(t, []string{"tok-ana"}, f.channel.tokens)
}

func TestSynchronizer_BootstrapAnonymousDoesNothing(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.sync.Bootstrap(context.Background()))

	assert.Zero(t, f.gateway.calls())
	assert.Empty(t, f.channel.opened())
	assert.Empty(t, f.sync.Snapshot().Items)
}

func TestSynchronizer_RepeatedBootstrapKeepsSubscription(t *testing.T) {
	f := newFixture(t)
	f.session.login("7", "tok-ana")
	ctx := context.Background()

	require.NoError(t, f.sync.Bootstrap(ctx))
	require.NoError(t, f.sync.Bootstrap(ctx))
	require.NoError(t, f.sync.Bootstrap(ctx))

	assert.Len(t, f.channel.opened(), 1)
	assert.Equal(t, 3, f.gateway.calls())
	assert.True(t, f.channel.opened()[0].Active())
}

func TestSynchronizer_BootstrapForAnotherUserReplacesSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.session.login("7", "tok-ana")
	require.NoError(t, f.sync.Bootstrap(ctx))

	f.session.login("8", "tok-luis")
	require.NoError(t, f.sync.Bootstrap(ctx))

	subs := f.channel.opened()
	require.Len(t, subs, 2)
	assert.False(t, subs[0].Active())
	assert.True(t, subs[1].Active())
	assert.Equal(t, model.ID("8"), subs[1].UserID())
	assert.Equal(t, []model.ID{"9"}, ids(f.sync.Snapshot()))
}

func TestSynchronizer_PushEventPrependsUnread(t *testing.T) {
	f := newFixture(t)
	f.session.login("7", "tok-ana")
	require.NoError(t, f.sync.Bootstrap(context.Background()))
	sub := f.channel.opened()[0]

	ev := pushEvent("7", "4")
	ev.Notification.Read = true
	sub.Deliver(ev)

	feed := f.sync.Snapshot()
	assert.Equal(t, []model.ID{"4", "3", "2", "1"}, ids(feed))
	assert.False(t, feed.Items[0].Read)
	assert.Equal(t, 3, feed.UnreadCount)
}

func TestSynchronizer_PushEventFiltering(t *testing.T) {
	tests := []struct {
		name string
		ev   model.PushEvent
	}{
		{name: "other user", ev: pushEvent("8", "40")},
		{name: "duplicate id", ev: pushEvent("7", "3")},
		{name: "duplicate of a read record", ev: pushEvent("7", "1")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.session.login("7", "tok-ana")
			require.NoError(t, f.sync.Bootstrap(context.Background()))
			before := f.sync.Snapshot()

			f.channel.opened()[0].Deliver(tt.ev)

			assert.Equal(t, before, f.sync.Snapshot())
		})
	}
}

func TestSynchronizer_PushEventAfterSessionEndsIsDropped(t *testing.T) {
	f := newFixture(t)
	f.session.login("7", "tok-ana")
	require.NoError(t, f.sync.Bootstrap(context.Background()))
	sub := f.channel.opened()[0]

	// The session ended but the listener has not been shut down yet.
	f.session.logout()
	sub.Deliver(pushEvent("7", "4"))

	assert.NotContains(t, ids(f.sync.Snapshot()), model.ID("4"))
}

func TestSynchronizer_ShutdownClearsFeedAndSubscription(t *testing.T) {
	f := newFixture(t)
	f.session.login("7", "tok-ana")
	require.NoError(t, f.sync.Bootstrap(context.Background()))
	sub := f.channel.opened()[0]

	f.sync.Shutdown()

	feed := f.sync.Snapshot()
	assert.Empty(t, feed.Items)
	assert.Zero(t, feed.UnreadCount)
	assert.False(t, sub.Active())

	sub.Deliver(pushEvent("7", "4"))
	assert.Empty(t, f.sync.Snapshot().Items)
}

func TestSynchronizer_MarkReadResyncs(t *testing.T) {
	f := newFixture(t)
	f.session.login("7", "tok-ana")
	ctx := context.Background()
	require.NoError(t, f.sync.Bootstrap(ctx))

	// A pushed record the server does not list is gone after the resync.
	f.channel.opened()[0].Deliver(pushEvent("7", "4"))
	require.Equal(t, 3, f.sync.Snapshot().UnreadCount)

	require.NoError(t, f.sync.MarkRead(ctx, "3"))

	feed := f.sync.Snapshot()
	assert.Equal(t, []model.ID{"3", "2", "1"}, ids(feed))
	assert.True(t, feed.Items[0].Read)
	assert.Equal(t, 1, feed.UnreadCount)
	assert.Equal(t, []model.ID{"3"}, f.gateway.marked)
	assert.Equal(t, 2, f.gateway.calls())
}

func TestSynchronizer_MarkReadFailureChangesNothing(t *testing.T) {
	f := newFixture(t)
	f.session.login("7", "tok-ana")
	ctx := context.Background()
	require.NoError(t, f.sync.Bootstrap(ctx))
	before := f.sync.Snapshot()

	f.gateway.markErr = &api.Error{StatusCode: 500, Message: "boom"}
	err := f.sync.MarkRead(ctx, "3")

	require.Error(t, err)
	assert.Equal(t, 500, api.StatusCode(err))
	assert.Equal(t, before, f.sync.Snapshot())
	assert.Equal(t, 1, f.gateway.calls(), "no resync after a failed mark-read")
	assert.Empty(t, f.session.invalidations())
}

func TestSynchronizer_RequiresSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.sync.PullSync(ctx), session.ErrNotAuthenticated)
	assert.ErrorIs(t, f.sync.MarkRead(ctx, "1"), session.ErrNotAuthenticated)
	assert.Zero(t, f.gateway.calls())
}

func TestSynchronizer_RejectedTokenInvalidatesSession(t *testing.T) {
	f := newFixture(t)
	f.session.login("7", "tok-ana")
	gen := f.session.Snapshot().Generation
	f.gateway.listErr = &api.AuthError{Message: "token expired or invalid"}

	err := f.sync.Bootstrap(context.Background())

	require.Error(t, err)
	assert.True(t, api.IsAuthError(err))
	assert.Equal(t, []uint64{gen}, f.session.invalidations())
	assert.Empty(t, f.channel.opened(), "no subscription for a rejected token")
}

func TestSynchronizer_TransientFailureStillSubscribes(t *testing.T) {
	f := newFixture(t)
	f.session.login("7", "tok-ana")
	f.gateway.listErr = &api.Error{StatusCode: 503, Message: "unavailable"}

	err := f.sync.Bootstrap(context.Background())

	require.Error(t, err)
	assert.Len(t, f.channel.opened(), 1)
	assert.Empty(t, f.session.invalidations())
}

func TestSynchronizer_StalePullIsDiscarded(t *testing.T) {
	tests := []struct {
		name string
		end  func(f *fixture)
	}{
		{name: "shutdown", end: func(f *fixture) { f.sync.Shutdown() }},
		{name: "logout", end: func(f *fixture) { f.session.logout() }},
		{name: "user switch", end: func(f *fixture) { f.session.login("8", "tok-luis") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.session.login("7", "tok-ana")
			f.gateway.listGate = make(chan struct{})
			f.gateway.listSeen = make(chan struct{})
			seen := f.gateway.listSeen

			errCh := make(chan error, 1)
			go func() { errCh <- f.sync.PullSync(context.Background()) }()

			<-seen
			tt.end(f)
			close(f.gateway.listGate)

			require.NoError(t, <-errCh)
			assert.Empty(t, f.sync.Snapshot().Items)
		})
	}
}

func TestSynchronizer_UpdatesCarryLatestFeed(t *testing.T) {
	f := newFixture(t)
	f.session.login("7", "tok-ana")
	ctx := context.Background()

	// Far more publishes than the channel buffers; none may block.
	for i := 0; i < 40; i++ {
		require.NoError(t, f.sync.PullSync(ctx))
	}
	assert.Empty(t, f.channel.opened(), "PullSync never subscribes")
	require.NoError(t, f.sync.Bootstrap(ctx))
	f.channel.opened()[0].Deliver(pushEvent("7", "4"))

	var last notify.Feed
	received := 0
drain:
	for {
		select {
		case feed := <-f.sync.Updates():
			last = feed
			received++
		default:
			break drain
		}
	}

	assert.LessOrEqual(t, received, 16)

	assert.Equal(t, f.sync.Snapshot(), last)
	assert.Equal(t, model.ID("4"), last.Items[0].ID)
}

func TestSynchronizer_EndToEnd(t *testing.T) {
	srv := testutil.NewFakeAPI(t)
	srv.AddAccount("ana@example.com", "pw", "tok-ana", model.UserProfile{ID: "7", Name: "Ana"})
	srv.SetNotifications("7", []model.Notification{
		{ID: "1", UserID: "7", Title: "Ticket creado", Message: "Se creó el ticket #40", TicketID: "40"},
	})

	log := testutil.Logger(t)
	client := api.NewClient(srv.APIConfig(), log)
	db := testutil.NewTestStore(t)

	mgr := session.NewManager(db, api.NewAuthGateway(client), log)
	syncer := notify.New(mgr, api.NewNotificationGateway(client), push.NewChannel(srv.PushConfig(), log), log)
	mgr.SetListener(syncer)
	require.NoError(t, mgr.Init(context.Background()))
	t.Cleanup(mgr.Dispose)

	ctx := context.Background()
	require.NoError(t, mgr.Login(ctx, model.Credentials{Email: "ana@example.com", Password: "pw"}))

	feed := syncer.Snapshot()
	assert.Equal(t, []model.ID{"1"}, ids(feed))
	assert.Equal(t, 1, feed.UnreadCount)

	srv.WaitForSubscribers(t, "7", 1)
	srv.Push(t, "7", map[string]any{"userId": 7, "id": 2, "title": "Nuevo comentario"})
	srv.Push(t, "7", map[string]any{"userId": 8, "id": 3, "title": "not ours"})

	require.Eventually(t, func() bool {
		return syncer.Snapshot().UnreadCount == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []model.ID{"2", "1"}, ids(syncer.Snapshot()))

	require.NoError(t, syncer.MarkRead(ctx, "1"))
	feed = syncer.Snapshot()
	assert.Equal(t, []model.ID{"1"}, ids(feed), "the server list is authoritative after a resync")
	assert.Zero(t, feed.UnreadCount)

	srv.RevokeToken("tok-ana")
	err := syncer.PullSync(ctx)
	require.Error(t, err)
	assert.True(t, api.IsAuthError(err))

	assert.Equal(t, session.StateAnonymous, mgr.Snapshot().State)
	assert.Empty(t, syncer.Snapshot().Items)
	srv.WaitForSubscribers(t, "7", 0)

	persisted, err := db.Load(ctx)
	require.NoError(t, err)
	assert.True(t, persisted.Empty())
}

func TestSynchronizer_MarkReadRejectedTokenInvalidates(t *testing.T) {
	f := newFixture(t)
	f.session.login("7", "tok-ana")
	gen := f.session.Snapshot().Generation
	require.NoError(t, f.sync.Bootstrap(context.Background()))

	f.gateway.markErr = errors.Join(errors.New("request failed"), &api.AuthError{Message: "expired"})
	err := f.sync.MarkRead(context.Background(), "3")

	require.Error(t, err)
	assert.Equal(t, []uint64{gen}, f.session.invalidations())
}

func TestSynchronizer_LogoutDuringBootstrapOpensNothing(t *testing.T) {
	f := newFixture(t)
	f.session.login("7", "tok-ana")
	f.gateway.listGate = make(chan struct{})
	f.gateway.listSeen = make(chan struct{})
	seen := f.gateway.listSeen

	errCh := make(chan error, 1)
	go func() { errCh <- f.sync.Bootstrap(context.Background()) }()

	<-seen
	f.session.logout()
	f.sync.Shutdown()
	close(f.gateway.listGate)

	require.NoError(t, <-errCh)
	assert.Empty(t, f.sync.Snapshot().Items)
	assert.Empty(t, f.channel.opened(), "a stale bootstrap must not reopen the push channel")
}

func TestSynchronizer_LoginTwiceKeepsOneSubscription(t *testing.T) {
	srv := testutil.NewFakeAPI(t)
	srv.AddAccount("a@x.com", "pw", "t1", model.UserProfile{ID: "7"})
	srv.SetNotifications("7", []model.Notification{
		{ID: "1", UserID: "7", Title: "a"},
		{ID: "2", UserID: "7", Title: "b"},
	})

	log := testutil.Logger(t)
	client := api.NewClient(srv.APIConfig(), log)
	mgr := session.NewManager(testutil.NewTestStore(t), api.NewAuthGateway(client), log)
	syncer := notify.New(mgr, api.NewNotificationGateway(client), push.NewChannel(srv.PushConfig(), log), log)
	mgr.SetListener(syncer)
	require.NoError(t, mgr.Init(context.Background()))
	t.Cleanup(mgr.Dispose)

	ctx := context.Background()
	creds := model.Credentials{Email: "a@x.com", Password: "pw"}
	require.NoError(t, mgr.Login(ctx, creds))

	snap := mgr.Snapshot()
	assert.Equal(t, model.ID("7"), snap.UserID())
	assert.Equal(t, "t1", snap.Token)
	assert.Equal(t, []string{"7"}, srv.ListQueries())
	srv.WaitForSubscribers(t, "7", 1)

	require.NoError(t, mgr.Login(ctx, creds))
	srv.Push(t, "7", map[string]any{"userId": 7, "id": 101, "title": "New ticket"})

	require.Eventually(t, func() bool {
		return syncer.Snapshot().UnreadCount == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, model.ID("101"), syncer.Snapshot().Items[0].ID)
	assert.Equal(t, 1, srv.Subscribers("7"))
	assert.Equal(t, 1, srv.Dials("7"))

	// The pushed record is not on the server; an unknown id resyncs to the
	// server's view instead of failing.
	require.NoError(t, syncer.MarkRead(ctx, "999"))
	feed := syncer.Snapshot()
	assert.Equal(t, 2, feed.UnreadCount)
	assert.Equal(t, []model.ID{"1", "2"}, ids(feed))
	assert.Equal(t, []string{"999"}, srv.MarkReadIDs())
}

func TestSynchronizer_MarkReadUnknownIDResyncs(t *testing.T) {
	f := newFixture(t)
	f.session.login("7", "tok-ana")
	ctx := context.Background()
	require.NoError(t, f.sync.Bootstrap(ctx))
	f.channel.opened()[0].Deliver(pushEvent("7", "4"))
	require.Equal(t, 3, f.sync.Snapshot().UnreadCount)

	require.NoError(t, f.sync.MarkRead(ctx, "999"))

	feed := f.sync.Snapshot()
	assert.Equal(t, []model.ID{"3", "2", "1"}, ids(feed))
	assert.Equal(t, 2, feed.UnreadCount)
	assert.Equal(t, 2, f.gateway.calls())
	assert.Empty(t, f.session.invalidations())
}

func TestSynchronizer_MarkReadAlreadyReadResyncs(t *testing.T) {
	f := newFixture(t)
	f.session.login("7", "tok-ana")
	ctx := context.Background()
	require.NoError(t, f.sync.Bootstrap(ctx))

	require.NoError(t, f.sync.MarkRead(ctx, "1"))

	feed := f.sync.Snapshot()
	assert.True(t, feed.Items[2].Read)
	assert.Equal(t, 2, feed.UnreadCount)
}

func TestSynchronizer_UserSwitchWithFailedPullClearsFeed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.session.login("7", "tok-ana")
	require.NoError(t, f.sync.Bootstrap(ctx))
	require.NotEmpty(t, f.sync.Snapshot().Items)

	f.gateway.mu.Lock()
	f.gateway.listErr = &api.Error{StatusCode: 503, Message: "unavailable"}
	f.gateway.mu.Unlock()

	f.session.login("8", "tok-luis")
	require.Error(t, f.sync.Bootstrap(ctx))

	feed := f.sync.Snapshot()
	assert.Empty(t, feed.Items, "the previous user's records must not survive a user switch")
	assert.Zero(t, feed.UnreadCount)

	subs := f.channel.opened()
	require.Len(t, subs, 2)
	assert.Equal(t, model.ID("8"), subs[1].UserID())
}

func TestSynchronizer_SwitchUserWithRealManager(t *testing.T) {
	srv := testutil.NewFakeAPI(t)
	srv.AddAccount("a@x.com", "pw", "t-a", model.UserProfile{ID: "7"})
	srv.AddAccount("b@x.com", "pw", "t-b", model.UserProfile{ID: "8"})
	srv.SetNotifications("7", []model.Notification{
		{ID: "1", UserID: "7", Title: "a"},
		{ID: "2", UserID: "7", Title: "b"},
	})

	log := testutil.Logger(t)
	client := api.NewClient(srv.APIConfig(), log)
	gw := &failingListGateway{NotificationGateway: api.NewNotificationGateway(client)}
	mgr := session.NewManager(testutil.NewTestStore(t), api.NewAuthGateway(client), log)
	syncer := notify.New(mgr, gw, push.NewChannel(srv.PushConfig(), log), log)
	mgr.SetListener(syncer)
	require.NoError(t, mgr.Init(context.Background()))
	t.Cleanup(mgr.Dispose)

	ctx := context.Background()
	require.NoError(t, mgr.Login(ctx, model.Credentials{Email: "a@x.com", Password: "pw"}))
	require.Equal(t, 2, syncer.Snapshot().UnreadCount)
	gen := mgr.Snapshot().Generation

	gw.fail.Store(true)
	require.NoError(t, mgr.Login(ctx, model.Credentials{Email: "b@x.com", Password: "pw"}))
	require.Equal(t, gen, mgr.Snapshot().Generation, "re-login keeps the generation")
	require.Equal(t, model.ID("8"), mgr.Snapshot().UserID())

	feed := syncer.Snapshot()
	assert.Empty(t, feed.Items)
	assert.Zero(t, feed.UnreadCount)
	srv.WaitForSubscribers(t, "8", 1)
	srv.WaitForSubscribers(t, "7", 0)
}

func TestSynchronizer_RejectedPushTokenInvalidatesSession(t *testing.T) {
	f := newFixture(t)
	f.session.login("7", "tok-ana")
	gen := f.session.Snapshot().Generation
	require.NoError(t, f.sync.Bootstrap(context.Background()))

	f.channel.opened()[0].Finish(push.ErrUnauthorized)

	require.Eventually(t, func() bool {
		return len(f.session.invalidations()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []uint64{gen}, f.session.invalidations())
}

func TestSynchronizer_StoppedSubscriptionIsReopened(t *testing.T) {
	f := newFixture(t)
	f.session.login("7", "tok-ana")
	ctx := context.Background()
	require.NoError(t, f.sync.Bootstrap(ctx))

	first := f.channel.opened()[0]
	first.Finish(errors.New("transport gave up"))
	require.False(t, first.Active())

	require.NoError(t, f.sync.Bootstrap(ctx))

	subs := f.channel.opened()
	require.Len(t, subs, 2)
	assert.True(t, subs[1].Active())
	assert.Empty(t, f.session.invalidations(), "only a rejected token ends the session")
}

func TestSynchronizer_RevokedTokenOnPushEndsSession(t *testing.T) {
	srv := testutil.NewFakeAPI(t)
	srv.AddAccount("a@x.com", "pw", "t-a", model.UserProfile{ID: "7"})

	log := testutil.Logger(t)
	client := api.NewClient(srv.APIConfig(), log)
	mgr := session.NewManager(testutil.NewTestStore(t), api.NewAuthGateway(client), log)
	syncer := notify.New(mgr, api.NewNotificationGateway(client), push.NewChannel(srv.PushConfig(), log), log)
	mgr.SetListener(syncer)
	require.NoError(t, mgr.Init(context.Background()))
	t.Cleanup(mgr.Dispose)

	require.NoError(t, mgr.Login(context.Background(), model.Credentials{Email: "a@x.com", Password: "pw"}))
	srv.WaitForSubscribers(t, "7", 1)

	srv.RevokeToken("t-a")
	srv.DropConnections("7")

	require.Eventually(t, func() bool {
		return mgr.Snapshot().State == session.StateAnonymous
	}, 3*time.Second, 10*time.Millisecond)
	assert.Empty(t, mgr.Snapshot().Token)
	assert.Empty(t, syncer.Snapshot().Items)
}

// failingListGateway fails list calls with a server error while fail is set.
type failingListGateway struct {
	*api.NotificationGateway
	fail atomic.Bool
}

func (g *failingListGateway) ListNotifications(ctx context.Context, token string, userID model.ID) ([]model.Notification, error) {
	if g.fail.Load() {
		return nil, &api.Error{StatusCode: 503, Message: "unavailable"}
	}
	return g.NotificationGateway.ListNotifications(ctx, token, userID)
}
