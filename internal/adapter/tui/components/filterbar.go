package components

import (
	"fmt"
	"strings"

	"opsdeck/internal/adapter/tui/theme"
)

// FilterOption is one filter choice.
type FilterOption struct {
	ID       string // event name prefix
	Label    string
	Shortcut string
}

// FilterBarModel renders the filter choices with their shortcuts.
type FilterBarModel struct {
	Options  []FilterOption
	Active   string // empty shows everything
	Total    int
	Filtered int
	width    int
}

// NewFilterBar creates a filter bar.
func NewFilterBar(options []FilterOption) FilterBarModel {
	return FilterBarModel{Options: options}
}

// SetWidth updates the width.
func (m *FilterBarModel) SetWidth(w int) {
	m.width = w
}

// HandleShortcut applies key if it is a filter shortcut. Pressing the active
// filter's key again clears it; "a" always clears.
func (m *FilterBarModel) HandleShortcut(key string) bool {
	if key == "a" {
		m.Active = ""
		return true
	}
	for _, opt := range m.Options {
		if opt.Shortcut != key {
			continue
		}
		if m.Active == opt.ID {
			m.Active = ""
		} else {
			m.Active = opt.ID
		}
		return true
	}
	return false
}

// SetCounts updates the total and filtered counts.
func (m *FilterBarModel) SetCounts(total, filtered int) {
	m.Total = total
	m.Filtered = filtered
}

// View renders the bar.
func (m FilterBarModel) View() string {
	render := func(active bool, label string) string {
		if active {
			return theme.TextInfo.Render(label)
		}
		return theme.TextMuted.Render(label)
	}

	parts := []string{render(m.Active == "", "[a] All")}
	for _, opt := range m.Options {
		parts = append(parts, render(m.Active == opt.ID, fmt.Sprintf("[%s] %s", opt.Shortcut, opt.Label)))
	}
	bar := "  Filter: " + strings.Join(parts, "  ")
	if m.Total > 0 {
		bar += theme.Dim.Render(fmt.Sprintf("  Showing %d/%d", m.Filtered, m.Total))
	}
	return bar
}
