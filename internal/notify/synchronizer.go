// Package notify keeps the logged-in user's notification feed in step
// with the server: one pull-sync on bootstrap and after every mark-read,
// optimistic updates from the push channel in between.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	gosync "sync"

	"github.com/rs/zerolog"

	"github.com/nhle/helpdesk/internal/api"
	"github.com/nhle/helpdesk/internal/model"
	"github.com/nhle/helpdesk/internal/push"
	"github.com/nhle/helpdesk/internal/session"
)

// Session is the read side of the session manager plus the hook used to
// report a rejected token.
type Session interface {
	Snapshot() session.Snapshot
	Invalidate(ctx context.Context, generation uint64)
}

// Gateway issues the notification pull requests.
type Gateway interface {
	ListNotifications(ctx context.Context, token string, userID model.ID) ([]model.Notification, error)
	MarkNotificationRead(ctx context.Context, token string, id model.ID) (*model.Notification, error)
}

// PushChannel opens and closes push subscriptions.
type PushChannel interface {
	Open(userID model.ID, token string, h push.Handler) (*push.Subscription, error)
	Close(sub *push.Subscription)
}

// Feed is a read-only copy of the feed state.
type Feed struct {
	// Items are newest first.
	Items       []model.Notification
	UnreadCount int
}

// updatesBuffer is the capacity of the Updates channel.
const updatesBuffer = 16

// Synchronizer owns the notification feed and the push subscription for
// the current session. It implements session.Listener.
type Synchronizer struct {
	session Session
	gateway Gateway
	channel PushChannel
	log     zerolog.Logger

	mu     gosync.Mutex
	items  []model.Notification
	unread int

	// owner is the user the feed belongs to; empty after Shutdown.
	owner model.ID

	// sub is the only open subscription, if any.
	sub *push.Subscription

	// epoch changes on every Shutdown and owner change; pull-syncs
	// started before it are discarded when they complete.
	epoch uint64

	updates chan Feed
}

var _ session.Listener = (*Synchronizer)(nil)

// New creates a Synchronizer with an empty feed.
func New(s Session, g Gateway, ch PushChannel, logger zerolog.Logger) *Synchronizer {
	return &Synchronizer{
		session: s,
		gateway: g,
		channel: ch,
		log:     logger.With().Str("component", "notify").Logger(),
		updates: make(chan Feed, updatesBuffer),
	}
}

// Updates delivers a copy of the feed after every change. Slow readers
// miss intermediate states, never the latest one.
func (s *Synchronizer) Updates() <-chan Feed {
	return s.updates
}

// Snapshot returns a copy of the feed.
func (s *Synchronizer) Snapshot() Feed {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feedLocked()
}

func (s *Synchronizer) feedLocked() Feed {
	items := make([]model.Notification, len(s.items))
	copy(items, s.items)
	return Feed{Items: items, UnreadCount: s.unread}
}

// Bootstrap pulls the feed and makes sure exactly one push subscription
// is open for the current user. Without an authenticated session it does
// nothing. Calling it again for the same user keeps the existing
// subscription; a different user gets a fresh one.
func (s *Synchronizer) Bootstrap(ctx context.Context) error {
	snap := s.session.Snapshot()
	if !snap.IsAuthenticated() {
		return nil
	}

	epoch := s.begin(snap)

	syncErr := s.pullSync(ctx, snap, epoch)
	if api.IsAuthError(syncErr) {
		return syncErr
	}

	if err := s.ensureSubscription(snap, epoch); err != nil {
		if syncErr != nil {
			return fmt.Errorf("%w; %w", syncErr, err)
		}
		return err
	}
	return syncErr
}

// ensureSubscription opens, keeps or replaces the subscription so that
// one is open for snap's user.
func (s *Synchronizer) ensureSubscription(snap session.Snapshot, epoch uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.currentLocked(snap, epoch) {
		return nil
	}

	userID := snap.UserID()
	if s.sub != nil && s.sub.Active() && s.sub.UserID() == userID {
		s.sub.SetHandler(s.onPushEvent)
		return nil
	}

	if s.sub != nil {
		s.log.Debug().
			Str("old_user_id", s.sub.UserID().String()).
			Str("user_id", userID.String()).
			Msg("replacing push subscription")
		s.channel.Close(s.sub)
		s.sub = nil
	}

	sub, err := s.channel.Open(userID, snap.Token, s.onPushEvent)
	if err != nil {
		return fmt.Errorf("opening push subscription: %w", err)
	}
	s.sub = sub
	go s.watch(sub, snap.Generation)
	return nil
}

// watch waits for sub's transport to stop and ends the session when it
// stopped because the push endpoint rejected the token.
func (s *Synchronizer) watch(sub *push.Subscription, gen uint64) {
	<-sub.Done()
	if !errors.Is(sub.Err(), push.ErrUnauthorized) {
		return
	}

	s.mu.Lock()
	current := s.sub == sub
	s.mu.Unlock()
	if !current {
		return
	}

	s.log.Info().Err(sub.Err()).Msg("token rejected by push channel")
	s.session.Invalidate(context.Background(), gen)
}

// PullSync replaces the feed with the server's list.
func (s *Synchronizer) PullSync(ctx context.Context) error {
	snap := s.session.Snapshot()
	if !snap.IsAuthenticated() {
		return session.ErrNotAuthenticated
	}

	return s.pullSync(ctx, snap, s.begin(snap))
}

// begin returns the epoch for work on behalf of snap. When snap's user is
// not the one the feed belongs to, the old user's records are dropped
// first so they are never shown to, or acted on by, the new one.
func (s *Synchronizer) begin(snap session.Snapshot) uint64 {
	userID := snap.UserID()

	s.mu.Lock()
	if s.owner == userID || s.session.Snapshot().UserID() != userID {
		// Same owner, or snap is already stale and its work will be
		// discarded on completion.
		epoch := s.epoch
		s.mu.Unlock()
		return epoch
	}

	prev := s.owner
	s.owner = userID
	s.epoch++
	epoch := s.epoch
	cleared := len(s.items) > 0 || s.unread != 0
	s.items = nil
	s.unread = 0
	feed := s.feedLocked()
	s.mu.Unlock()

	if cleared {
		s.log.Debug().
			Str("old_user_id", prev.String()).
			Str("user_id", userID.String()).
			Msg("feed owner changed; cleared feed")
		s.publish(feed)
	}
	return epoch
}

// pullSync fetches the list for snap's user and, if the session and the
// synchronizer are still the ones it started under, installs it.
func (s *Synchronizer) pullSync(ctx context.Context, snap session.Snapshot, epoch uint64) error {
	items, err := s.gateway.ListNotifications(ctx, snap.Token, snap.UserID())
	if err != nil {
		s.handleGatewayError(ctx, snap, err)
		return fmt.Errorf("syncing notifications: %w", err)
	}

	items = dedupe(items)

	s.mu.Lock()
	if !s.currentLocked(snap, epoch) {
		s.mu.Unlock()
		s.log.Debug().Msg("discarding pull-sync for a session that has ended")
		return nil
	}
	s.items = items
	s.unread = model.CountUnread(items)
	feed := s.feedLocked()
	s.mu.Unlock()

	s.log.Debug().
		Int("items", len(feed.Items)).
		Int("unread", feed.UnreadCount).
		Msg("notifications synced")
	s.publish(feed)
	return nil
}

// MarkRead asks the server to mark id read and then resyncs the whole
// feed, whatever the mark-read response said. A client error such as an
// unknown id means there was nothing to mark and still resyncs. If the
// call fails for any other reason nothing local changes.
func (s *Synchronizer) MarkRead(ctx context.Context, id model.ID) error {
	snap := s.session.Snapshot()
	if !snap.IsAuthenticated() {
		return session.ErrNotAuthenticated
	}

	epoch := s.begin(snap)

	if _, err := s.gateway.MarkNotificationRead(ctx, snap.Token, id); err != nil {
		s.handleGatewayError(ctx, snap, err)
		if !nothingToMark(err) {
			return fmt.Errorf("marking notification read: %w", err)
		}
		s.log.Debug().Err(err).Str("notification_id", id.String()).Msg("nothing to mark read; resyncing")
	}

	return s.pullSync(ctx, snap, epoch)
}

// nothingToMark reports whether err is the server refusing the request
// itself rather than failing to process it.
func nothingToMark(err error) bool {
	code := api.StatusCode(err)
	return code >= http.StatusBadRequest && code < http.StatusInternalServerError &&
		code != http.StatusUnauthorized && code != http.StatusForbidden &&
		code != http.StatusTooManyRequests
}

// Shutdown closes the subscription and empties the feed.
func (s *Synchronizer) Shutdown() {
	s.mu.Lock()
	s.epoch++
	if s.sub != nil {
		s.channel.Close(s.sub)
		s.sub = nil
	}
	s.items = nil
	s.unread = 0
	s.owner = ""
	feed := s.feedLocked()
	s.mu.Unlock()

	s.publish(feed)
}

// onPushEvent applies a push delivery optimistically: the record goes to
// the front as unread and the counter goes up by one. Events for any user
// other than the current one are dropped; so are ids already in the feed.
func (s *Synchronizer) onPushEvent(ev model.PushEvent) {
	snap := s.session.Snapshot()

	s.mu.Lock()
	if s.sub == nil || !snap.IsAuthenticated() ||
		ev.UserID != snap.UserID() || ev.UserID != s.sub.UserID() {
		s.mu.Unlock()
		s.log.Debug().
			Str("event_user_id", ev.UserID.String()).
			Str("user_id", snap.UserID().String()).
			Msg("dropping push event for another user")
		return
	}

	for _, n := range s.items {
		if n.ID == ev.Notification.ID {
			s.mu.Unlock()
			s.log.Debug().Str("notification_id", n.ID.String()).Msg("dropping duplicate push event")
			return
		}
	}

	rec := ev.Notification
	rec.Read = false
	s.items = append([]model.Notification{rec}, s.items...)
	s.unread++
	feed := s.feedLocked()
	s.mu.Unlock()

	s.publish(feed)
}

// currentLocked reports whether work started under snap and epoch may
// still apply its result. s.mu must be held.
func (s *Synchronizer) currentLocked(snap session.Snapshot, epoch uint64) bool {
	if s.epoch != epoch {
		return false
	}
	now := s.session.Snapshot()
	return now.IsAuthenticated() &&
		now.Generation == snap.Generation &&
		now.UserID() == snap.UserID()
}

// handleGatewayError ends the session when the server rejected its token.
func (s *Synchronizer) handleGatewayError(ctx context.Context, snap session.Snapshot, err error) {
	if api.IsAuthError(err) {
		s.log.Info().Err(err).Msg("token rejected by notification api")
		s.session.Invalidate(ctx, snap.Generation)
	}
}

// publish sends feed on the updates channel without blocking. When the
// buffer is full the oldest pending copy is dropped.
func (s *Synchronizer) publish(feed Feed) {
	for {
		select {
		case s.updates <- feed:
			return
		default:
		}
		select {
		case <-s.updates:
		default:
		}
	}
}

// dedupe keeps the first occurrence of every id.
func dedupe(items []model.Notification) []model.Notification {
	seen := make(map[model.ID]bool, len(items))
	out := make([]model.Notification, 0, len(items))
	for _, n := range items {
		if seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		out = append(out, n)
	}
	return out
}
