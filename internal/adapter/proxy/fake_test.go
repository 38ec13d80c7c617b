package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"opsdeck/internal/domain"
)

var errPeerGone = errors.New("peer gone")

// fakeSocket is one in-memory websocket leg. The test plays the remote
// peer: push feeds Read, written frames land in out.
type fakeSocket struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once

	mu         sync.Mutex
	closeCalls int
	closeCode  domain.StatusCode
	writes     int
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (s *fakeSocket) Read(ctx context.Context) ([]byte, error) {
	select {
	case d := <-s.in:
		return d, nil
	case <-s.closed:
		return nil, errPeerGone
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeSocket) Write(_ context.Context, data []byte) error {
	select {
	case <-s.closed:
		return errPeerGone
	default:
	}
	s.mu.Lock()
	s.writes++
	s.mu.Unlock()
	s.out <- data
	return nil
}

func (s *fakeSocket) Close(code domain.StatusCode, _ string) error {
	s.mu.Lock()
	s.closeCalls++
	if s.closeCalls == 1 {
		s.closeCode = code
	}
	s.mu.Unlock()
	s.once.Do(func() { close(s.closed) })
	return nil
}

// hangUp simulates the remote peer closing.
func (s *fakeSocket) hangUp() {
	s.once.Do(func() { close(s.closed) })
}

func (s *fakeSocket) push(frame string) { s.in <- []byte(frame) }

func (s *fakeSocket) stats() (closeCalls int, code domain.StatusCode, writes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls, s.closeCode, s.writes
}

func (s *fakeSocket) next(t *testing.T) string {
	t.Helper()
	select {
	case d := <-s.out:
		return string(d)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return ""
	}
}

func (s *fakeSocket) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// gatedDialer returns its socket once open is closed, or fails with err.
type gatedDialer struct {
	socket *fakeSocket
	err    error
	open   chan struct{}
}

func (d *gatedDialer) Dial(ctx context.Context) (domain.Transport, error) {
	select {
	case <-d.open:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if d.err != nil {
		return nil, d.err
	}
	return d.socket, nil
}

func openDialer(s *fakeSocket) *gatedDialer {
	d := &gatedDialer{socket: s, open: make(chan struct{})}
	close(d.open)
	return d
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type pairHarness struct {
	pair     *pair
	consumer *fakeSocket
	gateway  *fakeSocket
	metrics  *Metrics
	done     chan string
}

func startPair(t *testing.T, secret string, dialer domain.Dialer, gateway *fakeSocket) *pairHarness {
	t.Helper()
	h := &pairHarness{
		consumer: newFakeSocket(),
		gateway:  gateway,
		metrics:  &Metrics{},
		done:     make(chan string, 1),
	}
	h.pair = newPair(context.Background(), "test-pair", h.consumer, newRewriter(secret, "gw-credential"), h.metrics, discardLogger())
	go func() { h.done <- h.pair.run(dialer) }()
	t.Cleanup(func() {
		h.consumer.hangUp()
		if h.gateway != nil {
			h.gateway.hangUp()
		}
	})
	return h
}

func (h *pairHarness) wait(t *testing.T) string {
	t.Helper()
	select {
	case r := <-h.done:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("pair did not finish")
		return ""
	}
}
