package app

import (
	"context"
	"fmt"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"

	"github.com/nhle/helpdesk/internal/guard"
	"github.com/nhle/helpdesk/internal/model"
	"github.com/nhle/helpdesk/internal/session"
	appsync "github.com/nhle/helpdesk/internal/sync"
	"github.com/nhle/helpdesk/internal/theme"
	"github.com/nhle/helpdesk/internal/ui"
	"github.com/nhle/helpdesk/internal/ui/command"
	"github.com/nhle/helpdesk/internal/ui/detail"
	"github.com/nhle/helpdesk/internal/ui/feed"
	helpview "github.com/nhle/helpdesk/internal/ui/help"
	"github.com/nhle/helpdesk/internal/ui/login"
)

// ViewState represents the current active view in the application.
type ViewState int

const (
	ViewLoading ViewState = iota
	ViewLogin
	ViewFeed
	ViewDetail
	ViewCommand
	ViewHelp
)

// Session is the part of the session manager the UI drives.
type Session interface {
	Snapshot() session.Snapshot
	Login(ctx context.Context, creds model.Credentials) error
	CheckAuth(ctx context.Context) error
	Logout(ctx context.Context)
}

// Deps are the components the root model drives.
type Deps struct {
	Session Session
	Feed    appsync.Feed
	Guard   *guard.Guard
	Logger  zerolog.Logger
}

// Model is the root Bubble Tea model that manages view routing and
// layout.
type Model struct {
	currentView  ViewState
	previousView ViewState
	layout       ui.Layout
	keys         *KeyMap

	session Session
	guard   *guard.Guard
	watcher *appsync.Watcher
	log     zerolog.Logger

	loginView   login.Model
	feedView    feed.Model
	detailView  detail.Model
	commandView command.Model
	helpView    helpview.Model

	route       string
	unreadCount int
	notice      string
	ready       bool
}

// New creates a new root application model.
func New(d Deps) Model {
	keys := DefaultKeyMap()
	return Model{
		currentView: ViewLoading,
		keys:        keys,
		session:     d.Session,
		guard:       d.Guard,
		watcher:     appsync.New(d.Feed),
		log:         d.Logger.With().Str("component", "ui").Logger(),
		loginView:   login.New(80, 24),
		feedView:    feed.New(keys, 80, 24),
		detailView:  detail.New(keys, 80, 24),
		commandView: command.New(80, 24),
		helpView:    helpview.New(keys, 80, 24),
	}
}

// Init checks the stored session and starts listening for feed updates.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.navigate(guard.DashboardPath),
		m.watcher.WaitForNext(),
	)
}

// Update handles messages and dispatches to the active view.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.layout = ui.NewLayout(msg.Width, msg.Height)
		m.ready = true
		w, h := m.layout.ContentWidth(), m.layout.ContentHeight()
		m.loginView.SetSize(w, h)
		m.feedView.SetSize(w, h)
		m.detailView.SetSize(w, h)
		m.commandView.SetSize(w, h)
		m.helpView.SetSize(w, h)
		// Forward to active view so huh forms can calculate their layout.
		return m.updateActiveView(msg)

	case routeMsg:
		return m.applyRoute(msg.path, 0)

	case login.SubmitMsg:
		m.notice = ""
		m.loginView.SetBusy(true)
		return m, m.login(msg.Credentials)

	case login.CancelMsg:
		return m, tea.Quit

	case loginResultMsg:
		if msg.err != nil {
			m.loginView.SetError(errorText(msg.err))
			return m, m.loginView.Start()
		}
		m.loginView.SetError("")
		return m, m.navigate(guard.DashboardPath)

	case logoutDoneMsg:
		m.watcher.Reset()
		m.unreadCount = 0
		return m, m.navigate(guard.LoginPath)

	case appsync.FeedMsg:
		m.unreadCount = msg.Feed.UnreadCount
		cmds := []tea.Cmd{
			m.feedView.SetItems(msg.Feed.Items),
			m.watcher.WaitForNext(),
		}
		if m.currentView == ViewDetail && !m.detailView.Refresh(msg.Feed.Items) {
			m.currentView = ViewFeed
		}
		// The synchronizer empties the feed when the session ends
		// underneath us, e.g. after the server rejected the token.
		if m.inMainLayout() && !m.session.Snapshot().IsAuthenticated() {
			m.loginView.SetError("Your session has ended. Please sign in again.")
			cmds = append(cmds, m.navigate(guard.DashboardPath))
		}
		return m, tea.Batch(cmds...)

	case appsync.ResultMsg:
		if msg.Error != nil {
			m.log.Debug().Err(msg.Error).Str("op", string(msg.Op)).Msg("feed operation failed")
			m.notice = errorText(msg.Error)
		} else {
			m.notice = ""
		}
		return m, nil

	case feed.MarkReadMsg:
		return m, m.watcher.MarkRead(msg.ID)

	case feed.OpenMsg:
		m.detailView.SetNotification(msg.Notification)
		m.currentView = ViewDetail
		return m, nil

	case detail.BackMsg:
		m.currentView = ViewFeed
		return m, nil

	case command.GotoMsg:
		m.currentView = m.previousView
		return m, m.navigate(msg.Path)

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		if m.currentView == ViewLogin || m.currentView == ViewLoading {
			break
		}
		if m.currentView == ViewCommand {
			if key.Matches(msg, m.keys.Back) {
				m.currentView = m.previousView
				return m, nil
			}
			break
		}

		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit

		case key.Matches(msg, m.keys.Help):
			if m.currentView == ViewHelp {
				m.currentView = m.previousView
				return m, nil
			}
			m.previousView = m.currentView
			m.currentView = ViewHelp
			return m, nil

		case key.Matches(msg, m.keys.Back):
			if m.currentView == ViewHelp {
				m.currentView = m.previousView
				return m, nil
			}

		case key.Matches(msg, m.keys.Goto):
			if m.currentView == ViewFeed || m.currentView == ViewDetail {
				m.previousView = m.currentView
				m.currentView = ViewCommand
				return m, m.commandView.Focus()
			}

		case key.Matches(msg, m.keys.Refresh):
			if m.currentView == ViewFeed {
				return m, m.watcher.Refresh()
			}

		case key.Matches(msg, m.keys.Logout):
			if m.currentView == ViewFeed {
				return m, m.logout()
			}
		}
	}

	// Delegate to active sub-view
	return m.updateActiveView(msg)
}

// applyRoute resolves path through the guard and switches to the view
// that serves it. Redirects are followed a bounded number of times.
func (m Model) applyRoute(path string, hops int) (tea.Model, tea.Cmd) {
	d := m.guard.Resolve(path)
	m.log.Debug().Str("path", path).Str("outcome", d.Outcome.String()).Str("target", d.Target).Msg("navigation")

	switch d.Outcome {
	case guard.NotFound:
		m.notice = fmt.Sprintf("%s: not found", path)
		return m, nil
	case guard.Redirect:
		if hops >= 3 {
			m.notice = fmt.Sprintf("%s: too many redirects", path)
			return m, nil
		}
		return m.applyRoute(d.Target, hops+1)
	}

	m.route = d.Route.Pattern
	switch d.Route.Layout {
	case guard.LayoutAuth:
		m.currentView = ViewLogin
		return m, m.loginView.Start()
	default:
		m.currentView = ViewFeed
		return m, nil
	}
}

// inMainLayout reports whether a signed-in screen is showing.
func (m Model) inMainLayout() bool {
	switch m.currentView {
	case ViewFeed, ViewDetail, ViewCommand, ViewHelp:
		return true
	}
	return false
}

// updateActiveView dispatches the message to the currently active view.
func (m Model) updateActiveView(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch m.currentView {
	case ViewLogin:
		m.loginView, cmd = m.loginView.Update(msg)
	case ViewFeed:
		m.feedView, cmd = m.feedView.Update(msg)
	case ViewDetail:
		m.detailView, cmd = m.detailView.Update(msg)
	case ViewCommand:
		m.commandView, cmd = m.commandView.Update(msg)
	case ViewHelp:
		m.helpView, cmd = m.helpView.Update(msg)
	}

	return m, cmd
}

// View renders the full terminal UI using the layout manager.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}

	header := m.layout.RenderHeader(m.title(), m.sessionInfo())
	statusBar := m.layout.RenderStatusBar(m.keyHints(), m.syncStatus())

	return m.layout.RenderWithFrame(header, m.renderContent(), statusBar)
}

// renderContent returns the rendered string for the current active view.
func (m Model) renderContent() string {
	switch m.currentView {
	case ViewLogin:
		return m.loginView.View()
	case ViewFeed:
		return m.feedView.View()
	case ViewDetail:
		return m.detailView.View()
	case ViewCommand:
		return m.commandView.View()
	case ViewHelp:
		return m.helpView.View()
	default:
		return theme.DimmedStyle.Render("Checking session...")
	}
}

func (m Model) title() string {
	if m.unreadCount > 0 {
		return fmt.Sprintf("Helpdesk [%d unread]", m.unreadCount)
	}
	return "Helpdesk"
}

// sessionInfo shows who is signed in.
func (m Model) sessionInfo() string {
	snap := m.session.Snapshot()
	switch snap.State {
	case session.StateAuthenticated:
		if snap.User != nil {
			return snap.User.DisplayName()
		}
	case session.StateAuthenticating:
		return "signing in..."
	}
	return "signed out"
}

// syncStatus returns a short string describing the feed operations.
func (m Model) syncStatus() string {
	if m.currentView != ViewFeed {
		return ""
	}
	st := m.watcher.Status()
	switch st.State {
	case appsync.SyncRunning:
		return "syncing"
	case appsync.SyncError:
		return "⚠ sync failed"
	}
	if st.LastSync.IsZero() {
		return ""
	}
	return "synced " + st.LastSync.Format("15:04:05")
}

// keyHints returns keyboard shortcut hints for the status bar.
func (m Model) keyHints() string {
	if m.notice != "" && m.currentView == ViewFeed {
		return m.notice
	}

	switch m.currentView {
	case ViewLogin:
		return "enter submit | esc quit"
	case ViewHelp:
		return "? close help | esc back"
	case ViewFeed:
		return "enter mark read | o open | r refresh | : go to | L log out | ? help | q quit"
	case ViewDetail:
		return "enter mark read | esc back | : go to | q quit"
	case ViewCommand:
		return "enter go | esc cancel"
	default:
		return "ctrl+c quit"
	}
}
