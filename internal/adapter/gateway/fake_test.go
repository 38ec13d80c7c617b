package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"opsdeck/internal/domain"
	"opsdeck/internal/usecase/eventbus"
)

var errTransportClosed = errors.New("transport closed")

// fakeTransport is an in-memory gateway socket. Frames pushed with send are
// returned by Read; frames written by the client land in out.
type fakeTransport struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once

	mu         sync.Mutex
	closeCalls int
	closeCode  domain.StatusCode
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case d := <-f.in:
		return d, nil
	case <-f.closed:
		return nil, errTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Write(_ context.Context, data []byte) error {
	select {
	case <-f.closed:
		return errTransportClosed
	default:
	}
	select {
	case f.out <- data:
		return nil
	case <-f.closed:
		return errTransportClosed
	}
}

func (f *fakeTransport) Close(code domain.StatusCode, _ string) error {
	f.mu.Lock()
	f.closeCalls++
	if f.closeCalls == 1 {
		f.closeCode = code
	}
	f.mu.Unlock()
	f.once.Do(func() { close(f.closed) })
	return nil
}

// drop simulates the gateway going away.
func (f *fakeTransport) drop() {
	f.once.Do(func() { close(f.closed) })
}

func (f *fakeTransport) code() domain.StatusCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode
}

func (f *fakeTransport) send(t *testing.T, fr domain.Frame) {
	t.Helper()
	data, err := domain.EncodeFrame(fr)
	require.NoError(t, err)
	f.in <- data
}

func (f *fakeTransport) challenge(t *testing.T) {
	f.send(t, &domain.Event{Name: domain.ChallengeEvent, Payload: json.RawMessage(`{"nonce":"n-1"}`)})
}

// expectRequest waits for the next request frame written by the client.
func (f *fakeTransport) expectRequest(t *testing.T) *domain.Request {
	t.Helper()
	select {
	case data := <-f.out:
		fr, err := domain.DecodeFrame(data)
		require.NoError(t, err)
		req, ok := fr.(*domain.Request)
		require.True(t, ok, "expected request, got %T", fr)
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a request frame")
		return nil
	}
}

func (f *fakeTransport) expectNothing(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case data := <-f.out:
		t.Fatalf("unexpected frame: %s", data)
	case <-time.After(wait):
	}
}

func (f *fakeTransport) respond(t *testing.T, id string, ok bool, payload string) {
	resp := &domain.Response{ID: id, OK: ok}
	if payload != "" {
		resp.Payload = json.RawMessage(payload)
	}
	if !ok {
		resp.Error = &domain.ErrorShape{Code: 500, Message: "boom"}
	}
	f.send(t, resp)
}

// fakeDialer hands out transports pushed onto conns. A nil entry fails the dial.
type fakeDialer struct {
	conns chan *fakeTransport
	dials atomic.Int32
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeTransport, 8)}
}

func (d *fakeDialer) Dial(ctx context.Context) (domain.Transport, error) {
	d.dials.Add(1)
	select {
	case t := <-d.conns:
		if t == nil {
			return nil, errors.New("connection refused")
		}
		return t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastOptions() Options {
	return Options{
		Client:           domain.ClientDescriptor{ID: "opsdeck-test", Version: "0.0.1", Platform: "linux", Mode: "operator"},
		Token:            "gw-token",
		RequestTimeout:   2 * time.Second,
		HandshakeTimeout: 2 * time.Second,
		DialTimeout:      2 * time.Second,
		Backoff:          Backoff{Base: 10 * time.Millisecond, Growth: 1.5, Cap: 50 * time.Millisecond, MaxAttempts: 15},
	}
}

func newTestClient(t *testing.T, opts Options) (*Client, *fakeDialer) {
	t.Helper()
	d := newFakeDialer()
	c := New(d, eventbus.New(testLogger()), opts, testLogger())
	t.Cleanup(func() { c.Close() })
	return c, d
}

// handshake drives ft through challenge and an ok response.
func handshake(t *testing.T, c *Client, ft *fakeTransport) *domain.Request {
	t.Helper()
	ft.challenge(t)
	req := ft.expectRequest(t)
	require.Equal(t, domain.HandshakeMethod, req.Method)
	ft.respond(t, req.ID, true, `{"server":"gw","protocol":3}`)
	require.Eventually(t, func() bool { return c.State() == StateConnected }, 2*time.Second, 5*time.Millisecond)
	return req
}

// connected returns a Connected client and its transport.
func connected(t *testing.T, opts Options) (*Client, *fakeDialer, *fakeTransport) {
	t.Helper()
	c, d := newTestClient(t, opts)
	ft := newFakeTransport()
	d.conns <- ft
	c.Connect()
	handshake(t, c, ft)
	return c, d, ft
}

// statusRecorder collects every status the client reports.
type statusRecorder struct {
	mu   sync.Mutex
	list []Status
}

func (r *statusRecorder) observe(s Status) {
	r.mu.Lock()
	r.list = append(r.list, s)
	r.mu.Unlock()
}

func (r *statusRecorder) find(pred func(Status) bool) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.list {
		if pred(s) {
			return s, true
		}
	}
	return Status{}, false
}
