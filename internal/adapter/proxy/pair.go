package proxy

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"opsdeck/internal/adapter/wsconn"
	"opsdeck/internal/domain"
)

// pair couples one consumer socket with one gateway socket. Pairs share
// nothing but the rewriter and the metrics counters.
type pair struct {
	id       string
	inbound  domain.Transport
	rewriter *rewriter
	metrics  *Metrics
	logger   *slog.Logger
	// audit, when set, receives auth and dial failures.
	audit func(ctx context.Context, typ domain.AuditEventType, outcome string, detail map[string]string)

	// fwdMu orders consumer-to-gateway traffic: buffering, the flush on
	// open and direct writes all happen under it.
	fwdMu        sync.Mutex
	outbound     domain.Transport
	outboundOpen bool
	buffer       [][]byte
	terminated   bool

	closeMu        sync.Mutex
	inboundClosed  bool
	outboundClosed bool
	reason         string

	ctx        context.Context
	cancel     context.CancelFunc
	dialCtx    context.Context
	cancelDial context.CancelFunc
}

func newPair(ctx context.Context, id string, inbound domain.Transport, rw *rewriter, metrics *Metrics, logger *slog.Logger) *pair {
	p := &pair{
		id:       id,
		inbound:  inbound,
		rewriter: rw,
		metrics:  metrics,
		logger:   logger,
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.dialCtx, p.cancelDial = context.WithCancel(p.ctx)
	return p
}

// run dials the gateway and pumps frames both ways until both sockets are
// closed. It returns the reason the pair ended.
func (p *pair) run(dialer domain.Dialer) string {
	defer p.cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.connectOutbound(p.ctx, p.dialCtx, dialer)
	}()

	p.pumpInbound(p.ctx)
	wg.Wait()

	p.closeMu.Lock()
	defer p.closeMu.Unlock()
	return p.reason
}

func (p *pair) connectOutbound(ctx, dialCtx context.Context, dialer domain.Dialer) {
	t, err := dialer.Dial(dialCtx)
	if err != nil {
		if p.isTerminated() {
			p.logger.Debug("proxy: dial abandoned, consumer already gone", "error", err)
			return
		}
		p.metrics.DialFailures.Add(1)
		p.logger.Warn("proxy: gateway dial failed", "error", err)
		code := domain.StatusInternalError
		if isBreakerOpen(err) {
			code = domain.StatusTryAgainLater
		}
		p.record(ctx, domain.AuditDialFailure, "error", map[string]string{"error": err.Error()})
		p.closeInbound(code, "gateway unavailable")
		return
	}

	if !p.attachOutbound(ctx, t) {
		return
	}
	p.logger.Debug("proxy: gateway connected")
	p.pumpOutbound(ctx, t)
}

// attachOutbound flushes the pre-open buffer in order and opens the direct
// path. It reports false if the pair ended before the gateway answered.
func (p *pair) attachOutbound(ctx context.Context, t domain.Transport) bool {
	p.fwdMu.Lock()
	p.outbound = t
	if p.terminated {
		p.fwdMu.Unlock()
		p.closeOutbound(domain.StatusNormalClosure, "consumer closed")
		return false
	}
	for _, frame := range p.buffer {
		if err := t.Write(ctx, frame); err != nil {
			p.buffer = nil
			p.fwdMu.Unlock()
			p.logger.Warn("proxy: flush to gateway failed", "error", err)
			p.closeOutbound(domain.StatusGoingAway, "gateway write failed")
			p.closeInbound(domain.StatusGoingAway, "gateway write failed")
			return false
		}
		p.metrics.FramesUpstream.Add(1)
	}
	p.buffer = nil
	p.outboundOpen = true
	p.fwdMu.Unlock()
	return true
}

func (p *pair) pumpInbound(ctx context.Context) {
	for {
		data, err := p.inbound.Read(ctx)
		if err != nil {
			code, reason := relayClose(err, "consumer closed")
			p.closeOutbound(code, reason)
			return
		}
		p.fromInbound(ctx, data)
	}
}

func (p *pair) pumpOutbound(ctx context.Context, t domain.Transport) {
	for {
		data, err := t.Read(ctx)
		if err != nil {
			code, reason := relayClose(err, "gateway closed")
			p.closeInbound(code, reason)
			return
		}
		if err := p.inbound.Write(ctx, data); err != nil {
			p.logger.Debug("proxy: write to consumer failed", "error", err)
			p.closeInbound(domain.StatusGoingAway, "consumer write failed")
			p.closeOutbound(domain.StatusGoingAway, "consumer write failed")
			return
		}
		p.metrics.FramesDownstream.Add(1)
	}
}

func (p *pair) fromInbound(ctx context.Context, data []byte) {
	v := p.rewriter.inspect(data)
	if v.rejected {
		p.rejectHandshake(ctx, v.rejectID)
		return
	}

	p.fwdMu.Lock()
	if p.terminated {
		p.fwdMu.Unlock()
		return
	}
	if !p.outboundOpen {
		p.buffer = append(p.buffer, v.frame)
		p.fwdMu.Unlock()
		return
	}
	err := p.outbound.Write(ctx, v.frame)
	p.fwdMu.Unlock()

	if err != nil {
		p.logger.Debug("proxy: write to gateway failed", "error", err)
		p.closeOutbound(domain.StatusGoingAway, "gateway write failed")
		p.closeInbound(domain.StatusGoingAway, "gateway write failed")
		return
	}
	p.metrics.FramesUpstream.Add(1)
}

// rejectHandshake answers a bad local secret with a 401 response and closes
// the consumer with 4001. Nothing more is sent toward the gateway.
func (p *pair) rejectHandshake(ctx context.Context, id string) {
	p.fwdMu.Lock()
	p.terminated = true
	p.buffer = nil
	p.fwdMu.Unlock()

	p.metrics.AuthFailures.Add(1)
	p.logger.Warn("proxy: local secret mismatch", "error", domain.ErrProxyAuthFailed)
	p.record(ctx, domain.AuditAuthFailure, "denied", nil)

	if resp, err := authFailure(id); err == nil {
		if err := p.inbound.Write(ctx, resp); err != nil {
			p.logger.Debug("proxy: failed to send auth failure", "error", err)
		}
	}
	p.closeInbound(domain.StatusProxyAuthFailed, "authentication failed")
}

func (p *pair) record(ctx context.Context, typ domain.AuditEventType, outcome string, detail map[string]string) {
	if p.audit != nil {
		p.audit(ctx, typ, outcome, detail)
	}
}

func (p *pair) isTerminated() bool {
	p.fwdMu.Lock()
	defer p.fwdMu.Unlock()
	return p.terminated
}

func (p *pair) closeInbound(code domain.StatusCode, reason string) {
	p.closeMu.Lock()
	if p.inboundClosed {
		p.closeMu.Unlock()
		return
	}
	p.inboundClosed = true
	if p.reason == "" {
		p.reason = reason
	}
	p.closeMu.Unlock()

	if err := p.inbound.Close(code, reason); err != nil {
		p.logger.Debug("proxy: consumer close", "error", err)
	}
}

// closeOutbound ends the gateway leg. Before the gateway has answered it
// only marks the pair terminated and cancels the dial; attachOutbound closes
// a late arrival.
func (p *pair) closeOutbound(code domain.StatusCode, reason string) {
	p.fwdMu.Lock()
	p.terminated = true
	p.buffer = nil
	t := p.outbound
	p.fwdMu.Unlock()

	p.cancelDial()
	if t == nil {
		return
	}

	p.closeMu.Lock()
	if p.outboundClosed {
		p.closeMu.Unlock()
		return
	}
	p.outboundClosed = true
	if p.reason == "" {
		p.reason = reason
	}
	p.closeMu.Unlock()

	if err := t.Close(code, reason); err != nil {
		p.logger.Debug("proxy: gateway close", "error", err)
	}
}

// shutdown closes both legs, used when the proxy itself stops.
func (p *pair) shutdown() {
	p.closeInbound(domain.StatusGoingAway, "proxy shutting down")
	p.closeOutbound(domain.StatusGoingAway, "proxy shutting down")
}

// relayClose picks the close code to pass on to the other leg. Codes that may
// not appear in a close frame are replaced with fallback semantics.
func relayClose(err error, fallback string) (domain.StatusCode, string) {
	if errors.Is(err, context.Canceled) {
		return domain.StatusGoingAway, fallback
	}
	code := wsconn.CloseStatus(err)
	switch {
	case code == domain.StatusNormalClosure, code == domain.StatusGoingAway:
		return code, fallback
	case code >= 3000 && code <= 4999:
		return code, fallback
	case code == domain.StatusInternalError, code == domain.StatusTryAgainLater:
		return code, fallback
	default:
		return domain.StatusNormalClosure, fallback
	}
}
