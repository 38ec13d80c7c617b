// Package theme holds the dashboard's colors and styles. All colors are
// adaptive so the dashboard reads on light and dark terminals; NO_COLOR is
// honored by lipgloss.
package theme

import (
	"github.com/charmbracelet/lipgloss"
)

// --- Palette ---

var (
	ColorSuccess = lipgloss.AdaptiveColor{Light: "#2e7d32", Dark: "#66bb6a"}
	ColorError   = lipgloss.AdaptiveColor{Light: "#c62828", Dark: "#ef5350"}
	ColorWarning = lipgloss.AdaptiveColor{Light: "#e65100", Dark: "#ffa726"}
	ColorInfo    = lipgloss.AdaptiveColor{Light: "#0277bd", Dark: "#4fc3f7"}
	ColorAccent  = lipgloss.AdaptiveColor{Light: "#6a1b9a", Dark: "#ce93d8"}
	ColorMuted   = lipgloss.AdaptiveColor{Light: "#757575", Dark: "#9e9e9e"}
	ColorBorder  = lipgloss.AdaptiveColor{Light: "#bdbdbd", Dark: "#616161"}

	ColorBgAlt    = lipgloss.AdaptiveColor{Light: "#f5f5f5", Dark: "#2d2d2d"}
	ColorFgDim    = lipgloss.AdaptiveColor{Light: "#9e9e9e", Dark: "#757575"}
	ColorTabBg    = lipgloss.AdaptiveColor{Light: "#e0e0e0", Dark: "#333333"}
	ColorTabFg    = lipgloss.AdaptiveColor{Light: "#616161", Dark: "#9e9e9e"}
	ColorTabActBg = lipgloss.AdaptiveColor{Light: "#1565c0", Dark: "#42a5f5"}
	ColorTabActFg = lipgloss.AdaptiveColor{Light: "#ffffff", Dark: "#1e1e1e"}
)

// --- Symbols (set by InitSymbols) ---

var (
	SymbolSuccess  = "✓"
	SymbolError    = "✗"
	SymbolWarning  = "⚠"
	SymbolInfo     = "●"
	SymbolArrowR   = "→"
	SymbolBullet   = "•"
	SymbolEllipsis = "…"
)

// --- Text ---

var (
	Bold = lipgloss.NewStyle().Bold(true)
	Dim  = lipgloss.NewStyle().Faint(true)

	TextSuccess = lipgloss.NewStyle().Foreground(ColorSuccess).Bold(true)
	TextError   = lipgloss.NewStyle().Foreground(ColorError).Bold(true)
	TextWarning = lipgloss.NewStyle().Foreground(ColorWarning).Bold(true)
	TextInfo    = lipgloss.NewStyle().Foreground(ColorInfo)
	TextAccent  = lipgloss.NewStyle().Foreground(ColorAccent)
	TextMuted   = lipgloss.NewStyle().Foreground(ColorMuted)

	StatValue = lipgloss.NewStyle().Foreground(ColorInfo).Bold(true)
)

// --- Tabs and status bar ---

var (
	TabNormal = lipgloss.NewStyle().
			Foreground(ColorTabFg).
			Background(ColorTabBg).
			Padding(0, 2)

	TabActive = lipgloss.NewStyle().
			Foreground(ColorTabActFg).
			Background(ColorTabActBg).
			Bold(true).
			Padding(0, 2)

	StatusBar = lipgloss.NewStyle().
			Foreground(ColorFgDim).
			Background(ColorBgAlt).
			Padding(0, 1)

	StatusKey = lipgloss.NewStyle().
			Foreground(ColorInfo).
			Bold(true)
)

// MinTabWidth is the narrowest terminal that still shows every tab label.
const MinTabWidth = 60

// ConnectionStyle colors a connection state name: green when connected,
// amber while a cycle is in progress, red when closed.
func ConnectionStyle(state string) lipgloss.Style {
	switch state {
	case "connected":
		return TextSuccess
	case "closed":
		return TextError
	default:
		return TextWarning
	}
}

// Truncate cuts s to at most n cells, ending with an ellipsis when shortened.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if lipgloss.Width(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) > n-1 {
		r = r[:n-1]
	}
	return string(r) + SymbolEllipsis
}
