package sync

import (
	"context"
	gosync "sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/nhle/helpdesk/internal/model"
	"github.com/nhle/helpdesk/internal/notify"
)

// SyncState represents the state of the last feed operation.
type SyncState int

const (
	SyncIdle SyncState = iota
	SyncRunning
	SyncError
)

// Op names a feed operation started from the UI.
type Op string

const (
	OpRefresh  Op = "refresh"
	OpMarkRead Op = "mark-read"
)

// SyncStatus holds the state of the feed operations.
type SyncStatus struct {
	State    SyncState
	LastSync time.Time
	Error    error
}

// FeedMsg is a tea.Msg carrying a fresh copy of the feed.
type FeedMsg struct {
	Feed notify.Feed
}

// ResultMsg is a tea.Msg sent when an operation started through the
// Watcher completes.
type ResultMsg struct {
	Op    Op
	Error error
}

// opTimeout is the maximum time allowed for a single feed operation.
const opTimeout = 30 * time.Second

// Feed is the part of the notification synchronizer the UI drives.
type Feed interface {
	PullSync(ctx context.Context) error
	MarkRead(ctx context.Context, id model.ID) error
	Updates() <-chan notify.Feed
}

// Watcher bridges the synchronizer to the Bubble Tea runtime: it turns
// feed updates into messages and runs operations as commands.
type Watcher struct {
	feed Feed

	mu      gosync.Mutex
	status  SyncStatus
	running int
}

// New creates a Watcher over f.
func New(f Feed) *Watcher {
	return &Watcher{feed: f}
}

// WaitForNext returns a tea.Cmd that waits for the next feed update. It
// should be re-issued after each FeedMsg to keep listening.
func (w *Watcher) WaitForNext() tea.Cmd {
	updates := w.feed.Updates()
	return func() tea.Msg {
		feed, ok := <-updates
		if !ok {
			return nil
		}
		return FeedMsg{Feed: feed}
	}
}

// Refresh returns a tea.Cmd that pulls the feed from the server.
func (w *Watcher) Refresh() tea.Cmd {
	return w.run(OpRefresh, w.feed.PullSync)
}

// MarkRead returns a tea.Cmd that marks id read.
func (w *Watcher) MarkRead(id model.ID) tea.Cmd {
	return w.run(OpMarkRead, func(ctx context.Context) error {
		return w.feed.MarkRead(ctx, id)
	})
}

// Status returns the state of the feed operations.
func (w *Watcher) Status() SyncStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Reset forgets the last error, e.g. after a logout.
func (w *Watcher) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = SyncStatus{}
	if w.running > 0 {
		w.status.State = SyncRunning
	}
}

func (w *Watcher) run(op Op, fn func(context.Context) error) tea.Cmd {
	w.begin()
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()

		err := fn(ctx)
		w.end(err)
		return ResultMsg{Op: op, Error: err}
	}
}

func (w *Watcher) begin() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.running++
	w.status.State = SyncRunning
}

func (w *Watcher) end(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.running--
	w.status.Error = err
	switch {
	case w.running > 0:
		w.status.State = SyncRunning
	case err != nil:
		w.status.State = SyncError
	default:
		w.status.State = SyncIdle
		w.status.LastSync = time.Now()
	}
}
