package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsdeck/internal/domain"
)

func TestRequestBeforeConnect(t *testing.T) {
	c, d := newTestClient(t, fastOptions())

	_, err := c.Request(context.Background(), "agents.list", nil)
	require.ErrorIs(t, err, domain.ErrNotConnected)
	assert.Equal(t, int32(0), d.dials.Load())
}

func TestRequestWhileConnecting(t *testing.T) {
	c, d := newTestClient(t, fastOptions())

	c.Connect()
	require.Eventually(t, func() bool { return d.dials.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, StateConnecting, c.State())

	_, err := c.Request(context.Background(), "agents.list", nil)
	require.ErrorIs(t, err, domain.ErrNotConnected)

	// The dial completes later; nothing from the failed request is sent.
	ft := newFakeTransport()
	d.conns <- ft
	require.Eventually(t, func() bool { return c.State() == StateAwaitingChallenge }, time.Second, time.Millisecond)
	ft.expectNothing(t, 50*time.Millisecond)
}

func TestRequestWhileAwaitingChallenge(t *testing.T) {
	c, d := newTestClient(t, fastOptions())
	ft := newFakeTransport()
	d.conns <- ft
	c.Connect()
	require.Eventually(t, func() bool { return c.State() == StateAwaitingChallenge }, time.Second, time.Millisecond)

	_, err := c.Request(context.Background(), "agents.list", nil)
	require.ErrorIs(t, err, domain.ErrNotConnected)
	ft.expectNothing(t, 20*time.Millisecond)
}

func TestHandshakeParams(t *testing.T) {
	opts := fastOptions()
	opts.Scopes = []string{"operator.read"}
	opts.Password = "local-secret"
	c, d := newTestClient(t, opts)

	ft := newFakeTransport()
	d.conns <- ft

	rec := &statusRecorder{}
	c.OnStatus(rec.observe)
	c.Connect()

	req := handshake(t, c, ft)

	var params domain.ConnectParams
	require.NoError(t, json.Unmarshal(req.Params, &params))
	assert.Equal(t, domain.ProtocolVersion, params.MinProtocol)
	assert.Equal(t, domain.ProtocolVersion, params.MaxProtocol)
	assert.Equal(t, "opsdeck-test", params.Client.ID)
	assert.Equal(t, "0.0.1", params.Client.Version)
	assert.Equal(t, "linux", params.Client.Platform)
	assert.Equal(t, "operator", params.Client.Mode)
	assert.Equal(t, DefaultRole, params.Role)
	assert.Equal(t, []string{"operator.read"}, params.Scopes)
	assert.Equal(t, "gw-token", params.Auth.Token)
	assert.Equal(t, "local-secret", params.Auth.Password)

	s, ok := rec.find(func(s Status) bool { return s.State == StateConnected })
	require.True(t, ok)
	assert.JSONEq(t, `{"server":"gw","protocol":3}`, string(s.Hello))

	for _, want := range []State{StateConnecting, StateAwaitingChallenge, StateAuthenticating} {
		_, ok := rec.find(func(s Status) bool { return s.State == want })
		assert.True(t, ok, "missing status %s", want)
	}
}

func TestChallengeIsNotPublished(t *testing.T) {
	c, d := newTestClient(t, fastOptions())
	var seen []string
	var mu sync.Mutex
	c.Subscribe(domain.WildcardEvent, func(e domain.Event) {
		mu.Lock()
		seen = append(seen, e.Name)
		mu.Unlock()
	})

	ft := newFakeTransport()
	d.conns <- ft
	c.Connect()
	handshake(t, c, ft)

	ft.send(t, &domain.Event{Name: "agent.status"})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, time.Second, time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"agent.status"}, seen)
	mu.Unlock()
}

func TestRequestResolves(t *testing.T) {
	c, _, ft := connected(t, fastOptions())

	type out struct {
		payload json.RawMessage
		err     error
	}
	done := make(chan out, 1)
	go func() {
		p, err := c.Request(context.Background(), "agents.list", map[string]any{"limit": 5})
		done <- out{p, err}
	}()

	req := ft.expectRequest(t)
	assert.Equal(t, "agents.list", req.Method)
	assert.JSONEq(t, `{"limit":5}`, string(req.Params))
	_, err := ulid.Parse(req.ID)
	require.NoError(t, err)

	ft.respond(t, req.ID, true, `{"agents":[]}`)
	r := <-done
	require.NoError(t, r.err)
	assert.JSONEq(t, `{"agents":[]}`, string(r.payload))
	assert.Equal(t, 0, c.PendingCount())
}

func TestRequestRemoteError(t *testing.T) {
	c, _, ft := connected(t, fastOptions())

	done := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "cron.delete", json.RawMessage(`{"id":"x"}`))
		done <- err
	}()

	req := ft.expectRequest(t)
	assert.JSONEq(t, `{"id":"x"}`, string(req.Params))
	ft.respond(t, req.ID, false, "")

	err := <-done
	require.ErrorIs(t, err, domain.ErrRemote)
	var re *domain.RemoteError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, 500, re.Code)
	assert.Equal(t, "boom", re.Message)
	assert.Equal(t, "cron.delete", re.Method)
}

func TestConcurrentRequestsOutOfOrder(t *testing.T) {
	c, _, ft := connected(t, fastOptions())

	const n = 10
	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := c.Request(context.Background(), fmt.Sprintf("m.%d", i), nil)
			errs[i] = err
			if err == nil {
				var body struct{ Method string }
				_ = json.Unmarshal(p, &body)
				results[i] = body.Method
			}
		}(i)
	}

	reqs := make([]*domain.Request, 0, n)
	ids := map[string]bool{}
	for i := 0; i < n; i++ {
		r := ft.expectRequest(t)
		assert.False(t, ids[r.ID], "duplicate id %s", r.ID)
		ids[r.ID] = true
		reqs = append(reqs, r)
	}
	for i := len(reqs) - 1; i >= 0; i-- {
		ft.respond(t, reqs[i].ID, true, fmt.Sprintf(`{"method":%q}`, reqs[i].Method))
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, fmt.Sprintf("m.%d", i), results[i])
	}
}

func TestRequestTimeoutDiscardsLateResponse(t *testing.T) {
	opts := fastOptions()
	opts.RequestTimeout = 50 * time.Millisecond
	c, _, ft := connected(t, opts)

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "slow.op", nil)
		done <- err
	}()
	req := ft.expectRequest(t)

	err := <-done
	require.ErrorIs(t, err, domain.ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 0, c.PendingCount())

	// Late response is dropped and the connection keeps working.
	ft.respond(t, req.ID, true, `{"late":true}`)

	go func() {
		_, err := c.Request(context.Background(), "fast.op", nil)
		done <- err
	}()
	req2 := ft.expectRequest(t)
	ft.respond(t, req2.ID, true, `{}`)
	require.NoError(t, <-done)
	assert.Equal(t, StateConnected, c.State())
}

func TestRequestContextCancel(t *testing.T) {
	c, _, ft := connected(t, fastOptions())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Request(ctx, "slow.op", nil)
		done <- err
	}()
	req := ft.expectRequest(t)
	cancel()

	require.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 0, c.PendingCount())
	ft.expectNothing(t, 20*time.Millisecond)

	ft.respond(t, req.ID, true, `{}`)
	assert.Equal(t, StateConnected, c.State())
}

func TestConnectionLostRejectsPendingAndReconnects(t *testing.T) {
	c, d, ft := connected(t, fastOptions())

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := c.Request(context.Background(), "agents.list", nil)
			errs <- err
		}()
	}
	ft.expectRequest(t)
	ft.expectRequest(t)

	next := newFakeTransport()
	d.conns <- next
	ft.drop()

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			require.ErrorIs(t, err, domain.ErrConnectionLost)
		case <-time.After(time.Second):
			t.Fatal("pending request was not rejected")
		}
	}

	require.Eventually(t, func() bool { return c.Attempt() == 1 }, time.Second, time.Millisecond)

	handshake(t, c, next)
	assert.Equal(t, 0, c.Attempt())
	assert.Equal(t, int32(2), d.dials.Load())
}

func TestHandshakeRejected(t *testing.T) {
	c, d := newTestClient(t, fastOptions())
	rec := &statusRecorder{}
	c.OnStatus(rec.observe)

	ft := newFakeTransport()
	d.conns <- ft
	c.Connect()

	ft.challenge(t)
	req := ft.expectRequest(t)
	ft.respond(t, req.ID, false, "")

	require.Eventually(t, func() bool {
		_, ok := rec.find(func(s Status) bool { return errors.Is(s.Err, domain.ErrAuthRejected) })
		return ok
	}, time.Second, time.Millisecond)

	s, _ := rec.find(func(s Status) bool { return errors.Is(s.Err, domain.ErrAuthRejected) })
	var re *domain.RemoteError
	require.True(t, errors.As(s.Err, &re))
	assert.Equal(t, domain.HandshakeMethod, re.Method)

	require.Eventually(t, func() bool { return ft.code() == domain.StatusHandshakeFailed }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return c.Attempt() == 1 }, time.Second, time.Millisecond)

	// No second handshake on the same transport.
	ft.expectNothing(t, 20*time.Millisecond)
}

func TestHandshakeWatchdog(t *testing.T) {
	opts := fastOptions()
	opts.HandshakeTimeout = 30 * time.Millisecond
	opts.Backoff.Base = time.Hour
	opts.Backoff.Cap = time.Hour
	c, d := newTestClient(t, opts)

	ft := newFakeTransport()
	d.conns <- ft
	c.Connect()

	require.Eventually(t, func() bool { return ft.code() == domain.StatusHandshakeFailed }, time.Second, time.Millisecond)
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, 1, c.Attempt())
}

func TestReconnectExhausted(t *testing.T) {
	opts := fastOptions()
	opts.Backoff = Backoff{Base: time.Millisecond, Growth: 1.5, Cap: 5 * time.Millisecond, MaxAttempts: 2}

	var dials int32
	var mu sync.Mutex
	dialer := domain.DialerFunc(func(context.Context) (domain.Transport, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		return nil, errors.New("connection refused")
	})
	c := New(dialer, nil, opts, testLogger())
	t.Cleanup(func() { c.Close() })

	terminal := make(chan Status, 1)
	c.OnStatus(func(s Status) {
		if s.Terminal {
			terminal <- s
		}
	})
	c.Connect()

	select {
	case s := <-terminal:
		require.ErrorIs(t, s.Err, domain.ErrReconnectExhausted)
		assert.Equal(t, 2, s.Attempt)
	case <-time.After(2 * time.Second):
		t.Fatal("no terminal status")
	}

	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, int32(3), dials)
	mu.Unlock()
	assert.Equal(t, StateClosed, c.State())
}

func TestConnectIsNoopWhileReconnectPending(t *testing.T) {
	opts := fastOptions()
	opts.Backoff.Base = time.Hour
	opts.Backoff.Cap = time.Hour
	c, d, ft := connected(t, opts)

	ft.drop()
	require.Eventually(t, func() bool { return c.Attempt() == 1 }, time.Second, time.Millisecond)

	c.Connect()
	c.Connect()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), d.dials.Load())
	assert.Equal(t, StateClosed, c.State())
}

func TestConnectIsNoopWhileConnected(t *testing.T) {
	c, d, _ := connected(t, fastOptions())
	c.Connect()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(1), d.dials.Load())
	assert.Equal(t, StateConnected, c.State())
}

func TestCloseIsPermanent(t *testing.T) {
	c, d, ft := connected(t, fastOptions())

	done := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "agents.list", nil)
		done <- err
	}()
	ft.expectRequest(t)

	require.NoError(t, c.Close())
	require.ErrorIs(t, <-done, domain.ErrConnectionLost)
	assert.Equal(t, domain.StatusNormalClosure, ft.code())

	c.Connect()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), d.dials.Load())

	_, err := c.Request(context.Background(), "agents.list", nil)
	require.ErrorIs(t, err, domain.ErrNotConnected)
	require.ErrorIs(t, c.WaitConnected(context.Background()), domain.ErrClosed)
	require.NoError(t, c.Close())
}

func TestEventsFanOut(t *testing.T) {
	c, _, ft := connected(t, fastOptions())

	var mu sync.Mutex
	var got []string
	record := func(tag string) domain.EventHandler {
		return func(e domain.Event) {
			mu.Lock()
			got = append(got, tag+":"+e.Name)
			mu.Unlock()
		}
	}
	unsubA := c.Subscribe("cron.fired", record("a"))
	c.Subscribe("cron.fired", record("b"))
	c.Subscribe(domain.WildcardEvent, record("w"))

	ft.send(t, &domain.Event{Name: "cron.fired"})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, time.Millisecond)

	unsubA()
	ft.send(t, &domain.Event{Name: "cron.fired"})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 5
	}, time.Second, time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"a:cron.fired", "b:cron.fired", "w:cron.fired", "b:cron.fired", "w:cron.fired"}, got)
	mu.Unlock()
}

func TestSubscriptionsSurviveReconnect(t *testing.T) {
	c, d, ft := connected(t, fastOptions())

	got := make(chan string, 4)
	c.Subscribe("agent.status", func(e domain.Event) { got <- e.Name })

	next := newFakeTransport()
	d.conns <- next
	ft.drop()
	handshake(t, c, next)

	next.send(t, &domain.Event{Name: "agent.status"})
	select {
	case name := <-got:
		assert.Equal(t, "agent.status", name)
	case <-time.After(time.Second):
		t.Fatal("event not delivered after reconnect")
	}
}

func TestMalformedFramesAreSkipped(t *testing.T) {
	c, _, ft := connected(t, fastOptions())

	ft.in <- []byte(`not json`)
	ft.in <- []byte(`{"type":"bogus"}`)

	done := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "ping", nil)
		done <- err
	}()
	req := ft.expectRequest(t)
	ft.respond(t, req.ID, true, `{}`)
	require.NoError(t, <-done)
}

func TestWaitConnected(t *testing.T) {
	c, d := newTestClient(t, fastOptions())
	ft := newFakeTransport()
	d.conns <- ft

	errc := make(chan error, 1)
	go func() { errc <- c.WaitConnected(context.Background()) }()
	c.Connect()
	handshake(t, c, ft)
	require.NoError(t, <-errc)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.WaitConnected(ctx))
}

func TestConnectAfterExhaustionStartsFresh(t *testing.T) {
	opts := fastOptions()
	opts.Backoff = Backoff{Base: time.Millisecond, Growth: 1.5, Cap: 5 * time.Millisecond, MaxAttempts: 1}

	dialer := domain.DialerFunc(func(context.Context) (domain.Transport, error) {
		return nil, errors.New("connection refused")
	})
	c := New(dialer, nil, opts, testLogger())
	t.Cleanup(func() { c.Close() })

	statuses := make(chan Status, 32)
	c.OnStatus(func(s Status) { statuses <- s })

	waitTerminal := func() {
		t.Helper()
		for {
			select {
			case s := <-statuses:
				if s.Terminal {
					require.ErrorIs(t, s.Err, domain.ErrReconnectExhausted)
					return
				}
			case <-time.After(2 * time.Second):
				t.Fatal("no terminal status")
			}
		}
	}

	c.Connect()
	waitTerminal()

	c.Connect()
	select {
	case s := <-statuses:
		assert.Equal(t, StateConnecting, s.State)
		assert.Equal(t, 0, s.Attempt)
	case <-time.After(time.Second):
		t.Fatal("manual Connect did not start a cycle")
	}
	waitTerminal()
}

func TestPanickingObserverIsContained(t *testing.T) {
	c, d := newTestClient(t, fastOptions())
	c.OnStatus(func(Status) { panic("observer bug") })
	rec := &statusRecorder{}
	c.OnStatus(rec.observe)

	ft := newFakeTransport()
	d.conns <- ft
	c.Connect()
	handshake(t, c, ft)

	_, ok := rec.find(func(s Status) bool { return s.State == StateConnected })
	assert.True(t, ok, "later observers still run")

	done := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "health", nil)
		done <- err
	}()
	req := ft.expectRequest(t)
	ft.respond(t, req.ID, true, `{"ok":true}`)
	require.NoError(t, <-done, "read loop survived the panic")
}
