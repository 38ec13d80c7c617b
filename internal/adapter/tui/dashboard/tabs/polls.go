package tabs

import (
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"opsdeck/internal/adapter/tui/theme"
)

// PollRow is the latest result of one poll task.
type PollRow struct {
	Task    string
	Method  string
	At      time.Time
	Elapsed time.Duration
	Payload string
	Err     error
	Runs    int
	Fails   int
}

// PollsModel lists the latest result of every poll task.
type PollsModel struct {
	rows  map[string]*PollRow
	width int
}

// NewPolls creates the polls tab.
func NewPolls() PollsModel {
	return PollsModel{rows: make(map[string]*PollRow)}
}

// SetSize sets dimensions.
func (m *PollsModel) SetSize(w, _ int) { m.width = w }

// Record stores a poll result, keeping run and failure counts per task.
func (m *PollsModel) Record(r PollRow) {
	prev, ok := m.rows[r.Task]
	if ok {
		r.Runs, r.Fails = prev.Runs, prev.Fails
	}
	r.Runs++
	if r.Err != nil {
		r.Fails++
	}
	m.rows[r.Task] = &r
}

// Row returns the row for a task.
func (m PollsModel) Row(task string) (PollRow, bool) {
	r, ok := m.rows[task]
	if !ok {
		return PollRow{}, false
	}
	return *r, true
}

// Update is a no-op.
func (m PollsModel) Update(_ tea.Msg) (PollsModel, tea.Cmd) {
	return m, nil
}

// View renders the table.
func (m PollsModel) View() string {
	if len(m.rows) == 0 {
		return theme.TextMuted.Render("  No poll results yet; configure poller.tasks") + "\n"
	}

	names := make([]string, 0, len(m.rows))
	for name := range m.rows {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	fmt.Fprintf(&sb, "  %-16s %-18s %-9s %-8s %-7s %s\n",
		theme.Dim.Render("Task"), theme.Dim.Render("Method"), theme.Dim.Render("At"),
		theme.Dim.Render("Took"), theme.Dim.Render("Runs"), theme.Dim.Render("Result"))
	for _, name := range names {
		r := m.rows[name]
		result := theme.TextSuccess.Render(theme.SymbolSuccess) + " " + theme.Truncate(r.Payload, m.width-70)
		if r.Err != nil {
			result = theme.TextError.Render(theme.SymbolError + " " + theme.Truncate(r.Err.Error(), m.width-70))
		}
		fmt.Fprintf(&sb, "  %-16s %-18s %-9s %-8s %-7s %s\n",
			theme.Truncate(r.Task, 16),
			theme.Truncate(r.Method, 18),
			r.At.Format("15:04:05"),
			r.Elapsed.Round(time.Millisecond).String(),
			fmt.Sprintf("%d/%d", r.Runs-r.Fails, r.Runs),
			result,
		)
	}
	return sb.String()
}
