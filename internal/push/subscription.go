package push

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/nhle/helpdesk/internal/model"
)

// Handler receives parsed push events, one at a time, in delivery order.
type Handler func(model.PushEvent)

// Subscription is the handle for one open push channel. It is bound to a
// single user id for its whole life.
type Subscription struct {
	id     string
	userID model.ID

	mu       sync.Mutex
	handler  Handler
	closed   bool
	attached bool
	err      error

	cancel   context.CancelFunc
	done     chan struct{}
	doneOnce sync.Once
}

// NewSubscription creates a handle with no transport attached. Channel
// uses it for real connections; tests and alternative transports can use
// it directly and feed events through Deliver.
func NewSubscription(userID model.ID, handler Handler) *Subscription {
	return &Subscription{
		id:      uuid.NewString(),
		userID:  userID,
		handler: handler,
		cancel:  func() {},
		done:    make(chan struct{}),
	}
}

// ID uniquely identifies this subscription in logs.
func (s *Subscription) ID() string {
	return s.id
}

// UserID is the routing key the subscription was opened for.
func (s *Subscription) UserID() model.ID {
	return s.userID
}

// SetHandler swaps the callback without touching the transport.
func (s *Subscription) SetHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// Active reports whether the subscription is still delivering: it has
// not been closed and its transport loop has not given up.
func (s *Subscription) Active() bool {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Deliver hands ev to the current handler. Events arriving after Close
// are dropped.
func (s *Subscription) Deliver(ev model.PushEvent) {
	s.mu.Lock()
	h := s.handler
	closed := s.closed
	s.mu.Unlock()

	if closed || h == nil {
		return
	}
	h(ev)
}

// Done is closed once the transport loop has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err reports why the transport loop exited. It is nil while the loop
// runs and after a plain Close; ErrUnauthorized means the endpoint
// rejected the token.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Finish records err and closes Done. Transports call it when their loop
// exits; only the first call counts.
func (s *Subscription) Finish(err error) {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

// attach binds a transport loop. The loop must call Finish on exit.
func (s *Subscription) attach(cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel = cancel
	s.attached = true
}

// Close stops the subscription. It never waits for the transport loop;
// use Done for that. Safe to call repeatedly.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel := s.cancel
	attached := s.attached
	s.mu.Unlock()

	cancel()
	if !attached {
		s.Finish(nil)
	}
}
