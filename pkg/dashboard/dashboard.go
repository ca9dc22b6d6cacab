// Package dashboard is the live terminal view of session and lane state,
// adapted from pkg/tui/fleet_dashboard.go's node-roster table: the same
// ticker-driven refresh and bubbletea/lipgloss table rendering, retargeted
// from fleet nodes to browser sessions and scheduler lanes.
package dashboard

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/marcohefti/surfwright/pkg/scheduler"
	"github.com/marcohefti/surfwright/pkg/session"
	"github.com/marcohefti/surfwright/pkg/workspace"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7B68EE")).
			MarginBottom(1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#00AEEF")).
			PaddingLeft(1).
			PaddingRight(1)

	activeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00FF88"))

	idleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#999999"))

	expiredStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF4444"))

	cellStyle = lipgloss.NewStyle().
			PaddingLeft(1).
			PaddingRight(1)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			MarginTop(1)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#555555")).
			Padding(0, 1)
)

type tickMsg time.Time
type sessionsMsg struct {
	sessions map[string]*session.Session
	active   string
}
type laneStatsMsg scheduler.Stats

// Dependencies are the live components the dashboard model polls.
type Dependencies struct {
	Store     *workspace.Store
	Sessions  *session.Registry
	Scheduler *scheduler.Scheduler
}

// Model is the bubbletea model rendering the session/lane dashboard.
type Model struct {
	deps    Dependencies
	active  string
	rows    map[string]*session.Session
	lanes   scheduler.Stats
	width   int
	height  int
	quit    bool
}

// New creates a dashboard model polling deps.
func New(deps Dependencies) Model {
	return Model{deps: deps, width: 80, height: 24}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetchSessions, m.fetchLanes, tickCmd())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quit = true
			return m, tea.Quit
		case "r":
			return m, tea.Batch(m.fetchSessions, m.fetchLanes)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.fetchSessions, m.fetchLanes, tickCmd())

	case sessionsMsg:
		m.rows = msg.sessions
		m.active = msg.active
		return m, nil

	case laneStatsMsg:
		m.lanes = scheduler.Stats(msg)
		return m, nil
	}
	return m, nil
}

func (m Model) View() string {
	if m.quit {
		return ""
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("surfwright dashboard"))
	b.WriteString("\n")

	b.WriteString(boxStyle.Render(fmt.Sprintf("sessions: %d   lanes: %d   active: %s",
		len(m.rows), len(m.lanes.Lanes), valueOr(m.active, "-"))))
	b.WriteString("\n\n")

	b.WriteString(renderSessionTable(m.rows, m.active, m.width))
	b.WriteString("\n")
	b.WriteString(renderLaneTable(m.lanes))

	b.WriteString("\n")
	b.WriteString(footerStyle.Render(fmt.Sprintf("  [r] refresh  [q] quit  │  updated %s", time.Now().Format("15:04:05"))))
	return b.String()
}

func renderSessionTable(rows map[string]*session.Session, active string, width int) string {
	var b strings.Builder
	header := fmt.Sprintf("%-20s %-10s %-12s %-10s %s",
		headerStyle.Render("SESSION"), headerStyle.Render("KIND"),
		headerStyle.Render("POLICY"), headerStyle.Render("LEASE"), headerStyle.Render("LAST SEEN"))
	b.WriteString(header)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("─", clampInt(width, 85)))
	b.WriteString("\n")

	if len(rows) == 0 {
		b.WriteString(footerStyle.Render("  no sessions registered"))
		b.WriteString("\n")
		return b.String()
	}

	for id, s := range rows {
		lease := renderLease(s.LeaseExpiresAt)
		marker := id
		if id == active {
			marker = activeStyle.Render(id + " *")
		}
		row := fmt.Sprintf("%-20s %-10s %-12s %-10s %s",
			cellStyle.Render(marker),
			cellStyle.Render(string(s.Kind)),
			cellStyle.Render(string(s.Policy)),
			lease,
			cellStyle.Render(renderAge(s.LastSeenAt)),
		)
		b.WriteString(row)
		b.WriteString("\n")
	}
	return b.String()
}

func renderLaneTable(stats scheduler.Stats) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("LANE") + "  " + headerStyle.Render("QUEUE") + "  " + headerStyle.Render("ACTIVE"))
	b.WriteString("\n")
	if len(stats.Lanes) == 0 {
		b.WriteString(footerStyle.Render("  no active lanes"))
		b.WriteString("\n")
		return b.String()
	}
	for _, l := range stats.Lanes {
		state := idleStyle.Render("idle")
		if l.Active {
			state = activeStyle.Render("active")
		}
		b.WriteString(fmt.Sprintf("%-20s %-6d %s\n", cellStyle.Render(l.Key), l.QueueDepth, state))
	}
	return b.String()
}

func renderLease(t time.Time) string {
	if t.IsZero() {
		return cellStyle.Render("-")
	}
	remaining := time.Until(t)
	if remaining <= 0 {
		return expiredStyle.Render("expired")
	}
	return cellStyle.Render(remaining.Round(time.Second).String())
}

func renderAge(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := time.Since(t)
	switch {
	case d < time.Second:
		return "just now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
}

func valueOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func clampInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) fetchSessions() tea.Msg {
	doc, err := m.deps.Store.Read(context.Background())
	if err != nil {
		return sessionsMsg{}
	}
	m.deps.Sessions.Load(doc.Sessions, doc.ActiveSessionID)
	rows, active := m.deps.Sessions.Snapshot()
	return sessionsMsg{sessions: rows, active: active}
}

func (m Model) fetchLanes() tea.Msg {
	return laneStatsMsg(m.deps.Scheduler.Snapshot())
}

// Run starts the dashboard program in the alt screen.
func Run(deps Dependencies) error {
	p := tea.NewProgram(New(deps), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
