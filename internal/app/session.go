package app

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/nhle/helpdesk/internal/model"
)

// sessionTimeout bounds login, logout and the auth check run on
// navigation.
const sessionTimeout = 30 * time.Second

// routeMsg asks the root model to resolve path through the guard.
type routeMsg struct {
	path string
}

// loginResultMsg carries the outcome of a login attempt.
type loginResultMsg struct {
	err error
}

// logoutDoneMsg is sent once the session has been torn down.
type logoutDoneMsg struct{}

// navigate returns a command that brings the session up to date and then
// routes to path. A failed check is not fatal: the guard sees whatever
// session is left.
func (m Model) navigate(path string) tea.Cmd {
	s := m.session
	log := m.log
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), sessionTimeout)
		defer cancel()

		if err := s.CheckAuth(ctx); err != nil {
			log.Warn().Err(err).Msg("auth check failed")
		}
		return routeMsg{path: path}
	}
}

// login returns a command that submits creds.
func (m Model) login(creds model.Credentials) tea.Cmd {
	s := m.session
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), sessionTimeout)
		defer cancel()
		return loginResultMsg{err: s.Login(ctx, creds)}
	}
}

// logout returns a command that ends the session.
func (m Model) logout() tea.Cmd {
	s := m.session
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), sessionTimeout)
		defer cancel()
		s.Logout(ctx)
		return logoutDoneMsg{}
	}
}
