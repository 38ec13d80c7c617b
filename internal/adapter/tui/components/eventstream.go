package components

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"opsdeck/internal/adapter/tui/theme"
	"opsdeck/internal/domain"
)

const maxEventEntries = 500

// StreamEntry is one received event.
type StreamEntry struct {
	At    time.Time
	Event domain.Event
}

// EventStreamModel is a scrollable event log that follows new events while
// scrolled to the bottom.
type EventStreamModel struct {
	Viewport viewport.Model
	entries  []StreamEntry
	filter   string // name prefix; empty shows all
	ready    bool
	atBottom bool
	width    int
	height   int
}

// NewEventStream creates an event stream.
func NewEventStream() EventStreamModel {
	return EventStreamModel{atBottom: true}
}

// SetSize sets the viewport size.
func (m *EventStreamModel) SetSize(w, h int) {
	m.width, m.height = w, h
	if !m.ready {
		m.Viewport = viewport.New(w, h)
		m.Viewport.MouseWheelEnabled = true
		m.Viewport.MouseWheelDelta = 3
		m.ready = true
	} else {
		m.Viewport.Width = w
		m.Viewport.Height = h
	}
	m.refresh()
}

// SetFilter shows only events whose name starts with prefix.
func (m *EventStreamModel) SetFilter(prefix string) {
	m.filter = prefix
	m.refresh()
}

// Add appends an entry, dropping the oldest past maxEventEntries.
func (m *EventStreamModel) Add(e StreamEntry) {
	m.entries = append(m.entries, e)
	if len(m.entries) > maxEventEntries {
		m.entries = m.entries[len(m.entries)-maxEventEntries:]
	}
	m.refresh()
	if m.atBottom && m.ready {
		m.Viewport.GotoBottom()
	}
}

// Update scrolls the viewport.
func (m EventStreamModel) Update(msg tea.Msg) (EventStreamModel, tea.Cmd) {
	if !m.ready {
		return m, nil
	}
	var cmd tea.Cmd
	m.Viewport, cmd = m.Viewport.Update(msg)
	m.atBottom = m.Viewport.AtBottom()
	return m, cmd
}

// Count returns the number of retained entries.
func (m EventStreamModel) Count() int { return len(m.entries) }

// FilteredCount returns how many entries match the filter.
func (m EventStreamModel) FilteredCount() int {
	n := 0
	for _, e := range m.entries {
		if m.matches(e) {
			n++
		}
	}
	return n
}

// View renders the stream.
func (m EventStreamModel) View() string {
	if !m.ready {
		return ""
	}
	return m.Viewport.View()
}

func (m EventStreamModel) matches(e StreamEntry) bool {
	return m.filter == "" || strings.HasPrefix(e.Event.Name, m.filter)
}

func (m *EventStreamModel) refresh() {
	if !m.ready {
		return
	}
	if len(m.entries) == 0 {
		m.Viewport.SetContent(theme.TextMuted.Render("  Waiting for events" + theme.SymbolEllipsis))
		return
	}

	var sb strings.Builder
	for _, e := range m.entries {
		if !m.matches(e) {
			continue
		}
		name := fmt.Sprintf("%-24s", e.Event.Name)
		payload := theme.Truncate(string(e.Event.Payload), m.width-40)
		fmt.Fprintf(&sb, "  %s  %s  %s\n",
			theme.Dim.Render(e.At.Format("15:04:05")),
			eventStyle(e.Event.Name).Render(name),
			theme.TextMuted.Render(payload),
		)
	}
	m.Viewport.SetContent(sb.String())
}

func eventStyle(name string) lipgloss.Style {
	switch {
	case strings.HasPrefix(name, "agent"):
		return theme.TextInfo
	case strings.HasPrefix(name, "chat"):
		return theme.TextAccent
	case strings.Contains(name, "error"), strings.HasPrefix(name, "shutdown"):
		return theme.TextError
	case strings.HasPrefix(name, "cron"), strings.HasPrefix(name, "presence"):
		return theme.TextWarning
	default:
		return theme.TextMuted
	}
}
