package gateway

import (
	"context"
	"encoding/json"
	"time"

	"opsdeck/internal/domain"
)

// result resolves one pending request.
type result struct {
	payload json.RawMessage
	err     error
}

type pendingRequest struct {
	method string
	done   chan result // buffered(1); written exactly once by whoever removes the entry
	timer  *time.Timer
}

// conn is the state of one connection cycle: one transport, its pending
// requests and its handshake. A new conn is created for every dial; fields
// are guarded by Client.mu.
type conn struct {
	id        uint64
	ctx       context.Context
	cancel    context.CancelFunc
	transport domain.Transport

	pending map[string]*pendingRequest

	handshakeID    string
	handshakeTimer *time.Timer
}

func newConn(parent context.Context, id uint64) *conn {
	ctx, cancel := context.WithCancel(parent)
	return &conn{
		id:      id,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]*pendingRequest),
	}
}

// take removes and returns the pending entry for id.
func (cn *conn) take(id string) (*pendingRequest, bool) {
	p, ok := cn.pending[id]
	if !ok {
		return nil, false
	}
	delete(cn.pending, id)
	p.timer.Stop()
	return p, true
}

// drain removes every pending entry and stops the handshake watchdog.
func (cn *conn) drain() []*pendingRequest {
	out := make([]*pendingRequest, 0, len(cn.pending))
	for id, p := range cn.pending {
		p.timer.Stop()
		out = append(out, p)
		delete(cn.pending, id)
	}
	if cn.handshakeTimer != nil {
		cn.handshakeTimer.Stop()
		cn.handshakeTimer = nil
	}
	cn.handshakeID = ""
	return out
}

func rejectAll(pending []*pendingRequest, err func(method string) error) {
	for _, p := range pending {
		p.done <- result{err: err(p.method)}
	}
}
