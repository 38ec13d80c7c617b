package dashboard

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsdeck/internal/adapter/gateway"
	"opsdeck/internal/domain"
	"opsdeck/internal/usecase/poller"
)

type fakeClient struct {
	mu       sync.Mutex
	events   []domain.EventHandler
	status   []gateway.StatusObserver
	unsubs   int
	connects int
}

func (f *fakeClient) Subscribe(name string, h domain.EventHandler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, h)
	return func() { f.mu.Lock(); f.unsubs++; f.mu.Unlock() }
}

func (f *fakeClient) OnStatus(fn gateway.StatusObserver) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = append(f.status, fn)
	return func() { f.mu.Lock(); f.unsubs++; f.mu.Unlock() }
}

func (f *fakeClient) Connect() {
	f.mu.Lock()
	f.connects++
	f.mu.Unlock()
}

func runes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func newSizedModel(t *testing.T, client *fakeClient) (*Model, *[]tea.Msg) {
	t.Helper()
	m := New(Deps{Client: client, Gateway: "ws://127.0.0.1:18790/ws"})
	var sent []tea.Msg
	m.SetProgramSender(func(msg tea.Msg) { sent = append(sent, msg) })
	require.NotNil(t, m.Init())
	m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	return m, &sent
}

func TestInitSubscribesAndForwards(t *testing.T) {
	client := &fakeClient{}
	_, sent := newSizedModel(t, client)

	require.Len(t, client.events, 1)
	require.Len(t, client.status, 1)

	client.events[0](domain.Event{Name: "agent"})
	client.status[0](gateway.Status{State: gateway.StateConnected})

	require.Len(t, *sent, 2)
	assert.IsType(t, EventMsg{}, (*sent)[0])
	assert.IsType(t, StatusMsg{}, (*sent)[1])
}

func TestStatusRendersOnOverview(t *testing.T) {
	m, _ := newSizedModel(t, &fakeClient{})

	hello := json.RawMessage(`{"protocol":3,"server":{"version":"2026.3.1","host":"studio"}}`)
	m.Update(StatusMsg{Status: gateway.Status{State: gateway.StateConnected, Hello: hello}, At: time.Now()})
	view := m.View()
	assert.Contains(t, view, "connected")
	assert.Contains(t, view, "2026.3.1 @ studio")
	assert.Contains(t, view, "v3")

	m.Update(StatusMsg{Status: gateway.Status{
		State:   gateway.StateClosed,
		Attempt: 2,
		Delay:   2250 * time.Millisecond,
		Err:     domain.ErrConnectionLost,
	}, At: time.Now()})
	view = m.View()
	assert.Contains(t, view, "closed")
	assert.Contains(t, view, "connection lost")
	assert.Contains(t, view, "Retry in")
	assert.Equal(t, 1, m.overview.Reconnects)

	m.Update(StatusMsg{Status: gateway.Status{
		State:    gateway.StateClosed,
		Attempt:  15,
		Err:      domain.ErrReconnectExhausted,
		Terminal: true,
	}, At: time.Now()})
	assert.Contains(t, m.View(), "press r to retry")
}

func TestEventsTabAndBadge(t *testing.T) {
	m, _ := newSizedModel(t, &fakeClient{})

	for _, name := range []string{"agent", "chat", "agent"} {
		m.Update(EventMsg{Event: domain.Event{Name: name, Payload: json.RawMessage(`{"k":1}`)}, At: time.Now()})
	}
	assert.Equal(t, 3, m.tabBar.Tabs[TabEvents].Badge)
	assert.Equal(t, []string{"agent", "chat"}, m.overview.TopEvents(5))

	m.Update(runes("2"))
	assert.Equal(t, TabEvents, m.active)
	assert.Zero(t, m.tabBar.Tabs[TabEvents].Badge)
	assert.Contains(t, m.View(), "chat")

	// "c" filters to chat events.
	m.Update(runes("c"))
	assert.Equal(t, "chat", m.events.FilterBar.Active)
	assert.Equal(t, 1, m.events.Stream.FilteredCount())
	assert.Contains(t, m.View(), "Showing 1/3")
}

func TestPollResults(t *testing.T) {
	m, _ := newSizedModel(t, &fakeClient{})

	m.Update(PollMsg{Result: poller.Result{Task: "health", Method: "health", Payload: json.RawMessage(`{"ok":true}`), At: time.Now()}})
	m.Update(PollMsg{Result: poller.Result{Task: "health", Method: "health", Err: errors.New("request timed out"), At: time.Now()}})

	row, ok := m.polls.Row("health")
	require.True(t, ok)
	assert.Equal(t, 2, row.Runs)
	assert.Equal(t, 1, row.Fails)

	m.Update(runes("3"))
	view := m.View()
	assert.Contains(t, view, "health")
	assert.Contains(t, view, "request timed out")
	assert.Contains(t, view, "1/2")
}

func TestKeys(t *testing.T) {
	client := &fakeClient{}
	m, _ := newSizedModel(t, client)

	m.Update(tea.KeyMsg{Type: tea.KeyTab})
	assert.Equal(t, TabEvents, m.active)
	m.Update(tea.KeyMsg{Type: tea.KeyShiftTab})
	m.Update(tea.KeyMsg{Type: tea.KeyShiftTab})
	assert.Equal(t, TabPolls, m.active)

	m.Update(runes("r"))
	assert.Equal(t, 1, client.connects)

	_, cmd := m.Update(runes("q"))
	require.NotNil(t, cmd)
	_, isQuit := cmd().(tea.QuitMsg)
	assert.True(t, isQuit)
	assert.Equal(t, 2, client.unsubs)
}

func TestViewBeforeSize(t *testing.T) {
	m := New(Deps{})
	assert.True(t, strings.Contains(m.View(), "Initializing"))
	assert.NotNil(t, m.Init())
}

func TestAutoConnectAfterSubscribe(t *testing.T) {
	client := &fakeClient{}
	m := New(Deps{Client: client, AutoConnect: true})
	m.SetProgramSender(func(tea.Msg) {})

	batch, ok := m.Init()().(tea.BatchMsg)
	require.True(t, ok)
	require.Len(t, batch, 2)
	require.Len(t, client.events, 1)
	assert.Zero(t, client.connects)

	assert.Nil(t, batch[1]())
	assert.Equal(t, 1, client.connects)
}
