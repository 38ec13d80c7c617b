package components

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"opsdeck/internal/adapter/tui/theme"
)

// KeyHint is one keybinding hint.
type KeyHint struct {
	Key  string
	Desc string
}

// StatusBarModel renders key hints on the left and the gateway on the right.
type StatusBarModel struct {
	Hints   []KeyHint
	Gateway string
	State   string
	width   int
}

// NewStatusBar creates an empty status bar.
func NewStatusBar() StatusBarModel {
	return StatusBarModel{}
}

// SetWidth updates the width.
func (m *StatusBarModel) SetWidth(w int) {
	m.width = w
}

// View renders the bar as one line.
func (m StatusBarModel) View() string {
	hints := make([]string, 0, len(m.Hints))
	for _, h := range m.Hints {
		hints = append(hints, theme.StatusKey.Render(h.Key)+": "+h.Desc)
	}
	left := strings.Join(hints, "  "+theme.Dim.Render("|")+"  ")

	var right string
	if m.Gateway != "" {
		right = theme.TextMuted.Render(m.Gateway)
	}
	if m.State != "" {
		if right != "" {
			right += " " + theme.SymbolBullet + " "
		}
		right += theme.ConnectionStyle(m.State).Render(m.State)
	}

	gap := m.width - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 1 {
		gap = 1
	}
	return theme.StatusBar.Width(m.width).Render(left + strings.Repeat(" ", gap) + right)
}
