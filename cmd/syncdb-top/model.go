package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/dd0wney/cluso-sync/pkg/api"
)

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF00FF")).
			MarginLeft(2).
			MarginTop(1)

	boxStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#00FFFF")).
			Padding(1, 2).
			MarginLeft(2)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			Width(12)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF0000")).
			Bold(true)

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00FF00")).
			Bold(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			MarginTop(1).
			MarginLeft(2)
)

var levelColors = map[string]lipgloss.Color{
	"stopped":    "#FF0000",
	"offline":    "#FFAA00",
	"connecting": "#FFFF00",
	"idle":       "#00FF00",
	"busy":       "#00FFFF",
}

type keyMap struct {
	Retry      key.Binding
	RetryReset key.Binding
	Suspend    key.Binding
	Quit       key.Binding
}

var keys = keyMap{
	Retry: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "retry"),
	),
	RetryReset: key.NewBinding(
		key.WithKeys("R"),
		key.WithHelp("R", "retry, reset backoff"),
	),
	Suspend: key.NewBinding(
		key.WithKeys("s"),
		key.WithHelp("s", "suspend/resume"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Retry, k.RetryReset, k.Suspend, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}

// controls is the part of api.Client the keys drive.
type controls interface {
	Retry(ctx context.Context, resetCount bool) error
	SetSuspended(ctx context.Context, suspended bool) error
}

type statusMsg api.StatusResponse

type disconnectedMsg struct{ err error }

type actionMsg struct {
	what string
	err  error
}

type model struct {
	addr       string
	client     controls
	status     api.StatusResponse
	connected  bool
	progress   progress.Model
	help       help.Model
	keys       keyMap
	width      int
	message    string
	messageErr bool
}

func newModel(addr string, client controls) model {
	return model{
		addr:     addr,
		client:   client,
		progress: progress.New(progress.WithDefaultGradient()),
		help:     help.New(),
		keys:     keys,
	}
}

func (m model) Init() tea.Cmd {
	return nil
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width
		m.progress.Width = max(msg.Width-12, 10)

	case statusMsg:
		m.status = api.StatusResponse(msg)
		m.connected = true

	case disconnectedMsg:
		m.connected = false
		m.message = fmt.Sprintf("lost connection: %v", msg.err)
		m.messageErr = true

	case actionMsg:
		if msg.err != nil {
			m.message = fmt.Sprintf("%s failed: %v", msg.what, msg.err)
			m.messageErr = true
		} else {
			m.message = msg.what + " requested"
			m.messageErr = false
		}

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Retry):
			return m, m.action("retry", func(ctx context.Context) error { return m.client.Retry(ctx, false) })
		case key.Matches(msg, m.keys.RetryReset):
			return m, m.action("retry", func(ctx context.Context) error { return m.client.Retry(ctx, true) })
		case key.Matches(msg, m.keys.Suspend):
			suspend := !m.status.Suspended
			what := "resume"
			if suspend {
				what = "suspend"
			}
			return m, m.action(what, func(ctx context.Context) error { return m.client.SetSuspended(ctx, suspend) })
		}
	}
	return m, nil
}

func (m model) action(what string, fn func(context.Context) error) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return actionMsg{what: what, err: fn(ctx)}
	}
}

func (m model) View() string {
	var s strings.Builder

	s.WriteString(titleStyle.Render("🔄 Cluso Sync - " + m.addr))
	s.WriteString("\n\n")

	if !m.connected {
		s.WriteString(boxStyle.Render("Waiting for status..."))
	} else {
		s.WriteString(boxStyle.Render(m.renderStatus()))
	}

	if m.message != "" {
		s.WriteString("\n\n  ")
		if m.messageErr {
			s.WriteString(errorStyle.Render("✗ " + m.message))
		} else {
			s.WriteString(successStyle.Render("✓ " + m.message))
		}
	}

	s.WriteString("\n")
	s.WriteString(helpStyle.Render(m.help.ShortHelpView(m.keys.ShortHelp())))
	return s.String()
}

func (m model) renderStatus() string {
	st := m.status
	level := lipgloss.NewStyle().Bold(true).Foreground(levelColors[st.Level]).Render(strings.ToUpper(st.Level))

	var flags []string
	if st.WillRetry {
		flags = append(flags, "will retry")
	}
	if !st.HostReachable {
		flags = append(flags, "host unreachable")
	}
	if st.Suspended {
		flags = append(flags, "suspended")
	}

	rows := []string{
		labelStyle.Render("Level") + level,
		labelStyle.Render("Flags") + strings.Join(flags, ", "),
		labelStyle.Render("Sequences") + fmt.Sprintf("%d / %d", st.Progress.Completed, st.Progress.Total),
		labelStyle.Render("Documents") + fmt.Sprintf("%d pushed, %d failed", st.Progress.DocsPushed, st.Progress.DocsFailed),
		labelStyle.Render("Bytes") + fmt.Sprintf("%d", st.Progress.BytesPushed),
		"",
		m.progress.ViewAs(fraction(st.Progress)),
	}
	if st.Error != "" {
		rows = append(rows, "", errorStyle.Render(st.Error))
	}
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

func fraction(p api.ProgressResponse) float64 {
	if p.Total == 0 {
		return 0
	}
	return min(float64(p.Completed)/float64(p.Total), 1)
}
