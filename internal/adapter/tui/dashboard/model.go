package dashboard

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"opsdeck/internal/adapter/gateway"
	"opsdeck/internal/adapter/tui/components"
	"opsdeck/internal/adapter/tui/dashboard/tabs"
	"opsdeck/internal/domain"
)

var _ tea.Model = (*Model)(nil)

// Tab identifies the active tab.
type Tab int

const (
	TabOverview Tab = iota
	TabEvents
	TabPolls
)

// Client is the part of the gateway client the dashboard watches.
type Client interface {
	Subscribe(name string, handler domain.EventHandler) func()
	OnStatus(fn gateway.StatusObserver) func()
	Connect()
}

// Deps are the dashboard's collaborators.
type Deps struct {
	Client  Client
	Gateway string // shown in the header and status bar
	// AutoConnect starts the first connection cycle once Init has
	// subscribed, so no early status is missed.
	AutoConnect bool
}

// Model is the root dashboard model.
type Model struct {
	deps Deps

	active Tab
	tabBar components.TabBarModel

	overview tabs.OverviewModel
	events   tabs.EventsModel
	polls    tabs.PollsModel

	width  int
	height int

	send   func(tea.Msg)
	detach []func()
}

// New creates the dashboard model.
func New(deps Deps) *Model {
	return &Model{
		deps: deps,
		tabBar: components.NewTabBar([]components.Tab{
			{ID: "overview", Label: "Overview"},
			{ID: "events", Label: "Events"},
			{ID: "polls", Label: "Polls"},
		}),
		overview: tabs.NewOverview(deps.Gateway),
		events:   tabs.NewEvents(),
		polls:    tabs.NewPolls(),
	}
}

// SetProgramSender sets how client callbacks reach the program. Call it
// before the program runs.
func (m *Model) SetProgramSender(send func(tea.Msg)) {
	m.send = send
}

// Init subscribes to the client and starts the refresh tick.
func (m *Model) Init() tea.Cmd {
	if m.deps.Client != nil && m.send != nil {
		send := m.send
		m.detach = append(m.detach,
			m.deps.Client.OnStatus(func(s gateway.Status) {
				send(StatusMsg{Status: s, At: time.Now()})
			}),
			m.deps.Client.Subscribe(domain.WildcardEvent, func(ev domain.Event) {
				send(EventMsg{Event: ev, At: time.Now()})
			}),
		)
		if m.deps.AutoConnect {
			client := m.deps.Client
			return tea.Batch(tick(), func() tea.Msg {
				client.Connect()
				return nil
			})
		}
	}
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Update handles messages.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.layout()
		return m, nil

	case tickMsg:
		return m, tick()

	case StatusMsg:
		m.applyStatus(msg)
		return m, nil

	case EventMsg:
		m.overview.CountEvent(msg.Event.Name)
		m.events.Add(components.StreamEntry{At: msg.At, Event: msg.Event})
		if m.active != TabEvents {
			m.tabBar.SetBadge("events", m.tabBar.Tabs[TabEvents].Badge+1)
		}
		return m, nil

	case PollMsg:
		r := msg.Result
		m.polls.Record(tabs.PollRow{
			Task:    r.Task,
			Method:  r.Method,
			At:      r.At,
			Elapsed: r.Elapsed,
			Payload: string(r.Payload),
			Err:     r.Err,
		})
		return m, nil

	case tea.KeyMsg:
		if cmd, handled := m.handleKey(msg); handled {
			return m, cmd
		}
	}

	var cmd tea.Cmd
	switch m.active {
	case TabOverview:
		m.overview, cmd = m.overview.Update(msg)
	case TabEvents:
		m.events, cmd = m.events.Update(msg)
	case TabPolls:
		m.polls, cmd = m.polls.Update(msg)
	}
	return m, cmd
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Cmd, bool) {
	switch msg.Type {
	case tea.KeyCtrlC:
		return m.quit(), true
	case tea.KeyTab:
		m.tabBar.Next()
		m.setTab(Tab(m.tabBar.Active))
		return nil, true
	case tea.KeyShiftTab:
		m.tabBar.Prev()
		m.setTab(Tab(m.tabBar.Active))
		return nil, true
	case tea.KeyRunes:
	default:
		return nil, false
	}

	switch string(msg.Runes) {
	case "1":
		m.setTab(TabOverview)
	case "2":
		m.setTab(TabEvents)
	case "3":
		m.setTab(TabPolls)
	case "q":
		return m.quit(), true
	case "r":
		if m.deps.Client != nil {
			m.deps.Client.Connect()
		}
	default:
		return nil, false
	}
	return nil, true
}

func (m *Model) quit() tea.Cmd {
	for _, fn := range m.detach {
		fn()
	}
	m.detach = nil
	return tea.Quit
}

func (m *Model) applyStatus(msg StatusMsg) {
	s := msg.Status
	m.overview.SetConnection(tabs.Connection{
		State:    s.State.String(),
		Attempt:  s.Attempt,
		Delay:    s.Delay,
		Err:      s.Err,
		Terminal: s.Terminal,
		At:       msg.At,
	}, s.Hello)
}

// View renders the dashboard.
func (m *Model) View() string {
	if m.width == 0 {
		return "  Initializing..."
	}

	var content string
	switch m.active {
	case TabOverview:
		content = m.overview.View()
	case TabEvents:
		content = m.events.View()
	case TabPolls:
		content = m.polls.View()
	}

	sb := components.NewStatusBar()
	sb.Hints = []components.KeyHint{
		{Key: "Tab", Desc: "Switch"},
		{Key: "1-3", Desc: "Jump"},
		{Key: "r", Desc: "Reconnect"},
		{Key: "q", Desc: "Quit"},
	}
	sb.Gateway = m.deps.Gateway
	sb.State = m.overview.Conn.State
	sb.SetWidth(m.width)

	return lipgloss.JoinVertical(lipgloss.Left, m.tabBar.View(), content, sb.View())
}

func (m *Model) layout() {
	contentH := m.height - 2
	if contentH < 5 {
		contentH = 5
	}
	m.tabBar.SetWidth(m.width)
	m.overview.SetSize(m.width, contentH)
	m.events.SetSize(m.width, contentH)
	m.polls.SetSize(m.width, contentH)
}

func (m *Model) setTab(t Tab) {
	m.active = t
	m.tabBar.SetActive(int(t))
}
