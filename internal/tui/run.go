package tui

import (
	"fmt"
	"io"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Run shows the dashboard for the API at apiURL until the user quits.
func Run(apiURL string, interval time.Duration) error {
	client := NewClient(apiURL)
	p := tea.NewProgram(NewModel(client.Snapshot, interval), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

// Print writes a plain-text rendering of s, for non-interactive output.
func Print(w io.Writer, s Snapshot) {
	_, _ = fmt.Fprintf(w, "uptime %s  robots %d/%d  subscribers %d  relayed %d  malformed %d\n\n",
		s.Uptime, countActive(s), len(s.Robots), s.Clients, s.Relayed, s.Malformed)

	_, _ = fmt.Fprintf(w, "%-20s %-22s %-8s %s\n", "ROBOT", "ADDRESS", "STATE", "SUBS")
	for _, r := range s.Robots {
		state := "offline"
		if r.Active {
			state = "online"
		}
		_, _ = fmt.Fprintf(w, "%-20s %-22s %-8s %d\n", r.RobotID, fmt.Sprintf("%s:%d", r.IP, r.Port), state, r.Subscribers)
	}

	if len(s.Tunnels) > 0 {
		_, _ = fmt.Fprintf(w, "\n%-20s %-22s %-8s %s\n", "TUNNEL", "ADDRESS", "TYPE", "OPENED")
		for _, t := range s.Tunnels {
			_, _ = fmt.Fprintf(w, "%-20s %-22s %-8s %s\n", t.RobotID, fmt.Sprintf("%s:%d", t.IP, t.Port), t.OTAType, t.OpenedAt.Format(time.RFC3339))
		}
	}
}
