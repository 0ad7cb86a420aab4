// Package tui renders a live dashboard of a running bridge.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// FetchFunc returns the current bridge state.
type FetchFunc func(ctx context.Context) (Snapshot, error)

type snapshotMsg struct {
	snap Snapshot
	err  error
}

type pollMsg struct{}

var (
	keyQuit    = key.NewBinding(key.WithKeys("ctrl+c", "q"))
	keyRefresh = key.NewBinding(key.WithKeys("r"))
	keyHelp    = key.NewBinding(key.WithKeys("?"))
)

// Model is the dashboard's bubbletea model.
type Model struct {
	fetch    FetchFunc
	interval time.Duration

	spinner spinner.Model
	robots  viewport.Model

	snap     Snapshot
	loaded   bool
	err      error
	showHelp bool
	width    int
	height   int
}

// NewModel creates a dashboard that calls fetch every interval.
func NewModel(fetch FetchFunc, interval time.Duration) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(colorPrimary)
	return Model{
		fetch:    fetch,
		interval: interval,
		spinner:  sp,
		robots:   viewport.New(80, 10),
		width:    80,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.poll())
}

func (m Model) poll() tea.Cmd {
	fetch := m.fetch
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		snap, err := fetch(ctx)
		return snapshotMsg{snap: snap, err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.robots.Width = msg.Width - 4
		m.robots.Height = max(3, msg.Height-len(m.snap.Tunnels)-14)
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keyQuit):
			return m, tea.Quit
		case key.Matches(msg, keyRefresh):
			return m, m.poll()
		case key.Matches(msg, keyHelp):
			m.showHelp = !m.showHelp
			return m, nil
		}
		var cmd tea.Cmd
		m.robots, cmd = m.robots.Update(msg)
		return m, cmd

	case snapshotMsg:
		if msg.err != nil {
			m.err = msg.err
		} else {
			m.err = nil
			m.snap = msg.snap
			m.loaded = true
			m.robots.SetContent(robotRows(msg.snap))
		}
		return m, tea.Tick(m.interval, func(time.Time) tea.Msg { return pollMsg{} })

	case pollMsg:
		return m, m.poll()

	case spinner.TickMsg:
		if m.loaded {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) View() string {
	if m.showHelp {
		return helpView()
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("robobridge"))
	if m.loaded {
		fmt.Fprintf(&b, "  %s", dimmedStyle.Render(fmt.Sprintf(
			"up %s · %d robots · %d subscribers · %d relayed · %d malformed",
			m.snap.Uptime, countActive(m.snap), m.snap.Clients, m.snap.Relayed, m.snap.Malformed)))
	}
	b.WriteString("\n")

	if m.err != nil {
		b.WriteString(errorStyle.Render("  " + m.err.Error()))
		b.WriteString("\n")
	}
	if !m.loaded {
		if m.err == nil {
			b.WriteString("  " + m.spinner.View() + " Connecting...\n")
		}
		return b.String()
	}

	width := max(m.width-2, 40)
	b.WriteString(panelStyle.Width(width).Render(
		subtitleStyle.Render("Robots") + "\n" + m.robots.View()))
	b.WriteString("\n")
	b.WriteString(panelStyle.Width(width).Render(
		subtitleStyle.Render("OTA tunnels") + "\n" + tunnelRows(m.snap)))
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("  q quit  r refresh  ↑/↓ scroll  ? help"))
	return b.String()
}

func robotRows(s Snapshot) string {
	if len(s.Robots) == 0 {
		return dimmedStyle.Render("  No robots")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "  %s\n", columnStyle.Render(fmt.Sprintf("%-20s %-22s %-8s %s", "ROBOT", "ADDRESS", "STATE", "SUBS")))
	for _, r := range s.Robots {
		state := "offline"
		if r.Active {
			state = "online"
		}
		addr := r.IP
		if r.Port > 0 {
			addr = fmt.Sprintf("%s:%d", r.IP, r.Port)
		}
		fmt.Fprintf(&b, "%s %-20s %-22s %-8s %d\n", stateDot(r.Active), truncate(r.RobotID, 20), addr, state, r.Subscribers)
	}
	return strings.TrimRight(b.String(), "\n")
}

func tunnelRows(s Snapshot) string {
	if len(s.Tunnels) == 0 {
		return dimmedStyle.Render("  No tunnels")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "  %s\n", columnStyle.Render(fmt.Sprintf("%-20s %-22s %-8s %s", "ROBOT", "ADDRESS", "TYPE", "AGE")))
	for _, t := range s.Tunnels {
		fmt.Fprintf(&b, "  %-20s %-22s %-8s %s\n",
			truncate(t.RobotID, 20), fmt.Sprintf("%s:%d", t.IP, t.Port), t.OTAType, formatAge(s.TakenAt.Sub(t.OpenedAt)))
	}
	return strings.TrimRight(b.String(), "\n")
}

func helpView() string {
	binds := []struct{ key, desc string }{
		{"q / Ctrl+C", "Quit"},
		{"r", "Refresh now"},
		{"↑ / ↓", "Scroll robots"},
		{"?", "Toggle this help"},
	}
	keyStyle := lipgloss.NewStyle().Foreground(colorAccent).Bold(true).Width(14)
	s := titleStyle.Render("Keyboard Shortcuts") + "\n\n"
	for _, b := range binds {
		s += "  " + keyStyle.Render(b.key) + b.desc + "\n"
	}
	return lipgloss.NewStyle().Padding(1, 2).Render(s + "\n" + helpStyle.Render("  Press ? to close"))
}

func countActive(s Snapshot) int {
	n := 0
	for _, r := range s.Robots {
		if r.Active {
			n++
		}
	}
	return n
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func formatAge(d time.Duration) string {
	switch {
	case d < 0:
		return "-"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
