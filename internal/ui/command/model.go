package command

import (
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/helpdesk/internal/theme"
)

// GotoMsg is emitted when the user submits a path.
type GotoMsg struct {
	Path string
}

// Model is the path bar: the user types a route such as /tickets/40 and
// the root model sends it through the route guard.
type Model struct {
	input  textinput.Model
	width  int
	height int
}

// New creates a new path bar model.
func New(width, height int) Model {
	ti := textinput.New()
	ti.Placeholder = "/dashboard"
	ti.Prompt = ": "
	ti.CharLimit = 256
	ti.Width = width - 6

	return Model{
		input:  ti,
		width:  width,
		height: height,
	}
}

// Update handles messages for the path bar.
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok && msg.Type == tea.KeyEnter {
		path := normalizePath(m.input.Value())
		m.input.Reset()
		if path == "" {
			return m, nil
		}
		return m, func() tea.Msg {
			return GotoMsg{Path: path}
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// normalizePath trims the input and adds a missing leading slash.
func normalizePath(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if !strings.HasPrefix(s, "/") {
		s = "/" + s
	}
	return s
}

// View renders the path bar.
func (m Model) View() string {
	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(theme.ColorWhite).
		MarginBottom(1).
		Render("Go to")

	content := lipgloss.JoinVertical(lipgloss.Left, title, m.input.View())

	return theme.PanelStyle.
		Width(m.width - 4).
		Render(content)
}

// SetSize updates the path bar dimensions.
func (m *Model) SetSize(width, height int) {
	m.width = width
	m.height = height
	m.input.Width = width - 6
}

// Focus clears the input and gives it keyboard focus.
func (m *Model) Focus() tea.Cmd {
	m.input.Reset()
	return m.input.Focus()
}
