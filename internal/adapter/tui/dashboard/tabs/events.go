package tabs

import (
	tea "github.com/charmbracelet/bubbletea"

	"opsdeck/internal/adapter/tui/components"
)

// EventsModel is the event stream with a filter bar.
type EventsModel struct {
	Stream    components.EventStreamModel
	FilterBar components.FilterBarModel
}

// NewEvents creates the events tab.
func NewEvents() EventsModel {
	return EventsModel{
		Stream: components.NewEventStream(),
		FilterBar: components.NewFilterBar([]components.FilterOption{
			{ID: "agent", Label: "Agent", Shortcut: "g"},
			{ID: "chat", Label: "Chat", Shortcut: "c"},
			{ID: "cron", Label: "Cron", Shortcut: "o"},
			{ID: "presence", Label: "Presence", Shortcut: "e"},
		}),
	}
}

// SetSize sets dimensions; the filter bar takes one line.
func (m *EventsModel) SetSize(w, h int) {
	m.FilterBar.SetWidth(w)
	m.Stream.SetSize(w, h-1)
}

// Add appends an event.
func (m *EventsModel) Add(e components.StreamEntry) {
	m.Stream.Add(e)
	m.FilterBar.SetCounts(m.Stream.Count(), m.Stream.FilteredCount())
}

// Update handles filter shortcuts and scrolling.
func (m EventsModel) Update(msg tea.Msg) (EventsModel, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok && key.Type == tea.KeyRunes {
		if m.FilterBar.HandleShortcut(string(key.Runes)) {
			m.Stream.SetFilter(m.FilterBar.Active)
			m.FilterBar.SetCounts(m.Stream.Count(), m.Stream.FilteredCount())
			return m, nil
		}
	}
	var cmd tea.Cmd
	m.Stream, cmd = m.Stream.Update(msg)
	return m, cmd
}

// View renders the tab.
func (m EventsModel) View() string {
	return m.FilterBar.View() + "\n" + m.Stream.View()
}
