// Package tabs holds the dashboard's tab models.
package tabs

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"opsdeck/internal/adapter/tui/theme"
)

// Connection is the latest status of the gateway connection.
type Connection struct {
	State    string
	Attempt  int
	Delay    time.Duration
	Err      error
	Terminal bool
	At       time.Time
}

// OverviewModel shows the connection and event counters.
type OverviewModel struct {
	Gateway     string
	Conn        Connection
	Server      string // "version @ host" from the handshake response
	Protocol    int
	ConnectedAt time.Time
	Reconnects  int

	EventCount int
	byName     map[string]int
	StartedAt  time.Time

	width  int
	height int
}

// NewOverview creates the overview tab.
func NewOverview(gateway string) OverviewModel {
	return OverviewModel{
		Gateway:   gateway,
		Conn:      Connection{State: "closed"},
		byName:    make(map[string]int),
		StartedAt: time.Now(),
	}
}

// SetSize sets dimensions.
func (m *OverviewModel) SetSize(w, h int) {
	m.width, m.height = w, h
}

// SetConnection records a status change. hello is the handshake payload,
// set only when the state is connected.
func (m *OverviewModel) SetConnection(c Connection, hello json.RawMessage) {
	if c.State == "connected" {
		m.ConnectedAt = c.At
		m.Server, m.Protocol = describeHello(hello)
	}
	if m.Conn.State == "connected" && c.State != "connected" {
		m.Reconnects++
	}
	m.Conn = c
}

// CountEvent records one received event.
func (m *OverviewModel) CountEvent(name string) {
	m.EventCount++
	m.byName[name]++
}

// TopEvents returns up to n event names by count, ties broken by name.
func (m OverviewModel) TopEvents(n int) []string {
	names := make([]string, 0, len(m.byName))
	for name := range m.byName {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if m.byName[names[i]] != m.byName[names[j]] {
			return m.byName[names[i]] > m.byName[names[j]]
		}
		return names[i] < names[j]
	})
	if len(names) > n {
		names = names[:n]
	}
	return names
}

// Update is a no-op; the overview only renders.
func (m OverviewModel) Update(_ tea.Msg) (OverviewModel, tea.Cmd) {
	return m, nil
}

// View renders the tab.
func (m OverviewModel) View() string {
	var sb strings.Builder
	row := func(label, value string) {
		fmt.Fprintf(&sb, "  %-14s %s\n", theme.TextMuted.Render(label), value)
	}

	sb.WriteString(theme.Bold.Render("  Gateway") + "\n")
	row("Address", m.Gateway)
	row("State", theme.ConnectionStyle(m.Conn.State).Render(theme.SymbolInfo+" "+m.Conn.State))
	if m.Conn.State == "connected" {
		row("Connected for", time.Since(m.ConnectedAt).Round(time.Second).String())
		if m.Server != "" {
			row("Server", m.Server)
		}
		if m.Protocol > 0 {
			row("Protocol", fmt.Sprintf("v%d", m.Protocol))
		}
	}
	if m.Conn.Attempt > 0 {
		row("Attempt", fmt.Sprintf("%d", m.Conn.Attempt))
	}
	if m.Conn.Delay > 0 && !m.Conn.Terminal {
		retry := time.Until(m.Conn.At.Add(m.Conn.Delay)).Round(time.Second)
		if retry < 0 {
			retry = 0
		}
		row("Retry in", retry.String())
	}
	if m.Conn.Err != nil {
		row("Last error", theme.TextError.Render(theme.Truncate(m.Conn.Err.Error(), m.width-20)))
	}
	if m.Conn.Terminal {
		sb.WriteString("  " + theme.TextWarning.Render(theme.SymbolWarning+" gave up reconnecting; press r to retry") + "\n")
	}

	sb.WriteString("\n" + theme.Bold.Render("  Statistics") + "\n")
	sep := "  " + lipgloss.NewStyle().Foreground(theme.ColorBorder).Render("|") + "  "
	stats := []string{
		stat("Events", fmt.Sprintf("%d", m.EventCount)),
		stat("Reconnects", fmt.Sprintf("%d", m.Reconnects)),
		stat("Uptime", time.Since(m.StartedAt).Round(time.Second).String()),
	}
	sb.WriteString("  " + strings.Join(stats, sep) + "\n")

	if top := m.TopEvents(5); len(top) > 0 {
		sb.WriteString("\n" + theme.Bold.Render("  Busiest events") + "\n")
		for _, name := range top {
			fmt.Fprintf(&sb, "  %s %-24s %s\n", theme.SymbolBullet, name, theme.StatValue.Render(fmt.Sprintf("%d", m.byName[name])))
		}
	}
	return sb.String()
}

func stat(label, value string) string {
	return theme.TextMuted.Render(label) + ": " + theme.StatValue.Render(value)
}

// describeHello pulls the server version, host and protocol out of a
// handshake payload. Unknown shapes yield empty values.
func describeHello(hello json.RawMessage) (string, int) {
	var h struct {
		Protocol int `json:"protocol"`
		Server   struct {
			Version string `json:"version"`
			Host    string `json:"host"`
		} `json:"server"`
	}
	if len(hello) == 0 || json.Unmarshal(hello, &h) != nil {
		return "", 0
	}
	server := h.Server.Version
	if h.Server.Host != "" {
		if server != "" {
			server += " @ "
		}
		server += h.Server.Host
	}
	return server, h.Protocol
}
