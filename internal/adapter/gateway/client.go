// Package gateway implements the consumer side of the gateway protocol: one
// socket, a challenge/response handshake, request correlation by id, event
// fan-out and reconnection with backoff.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"opsdeck/internal/domain"
	"opsdeck/internal/infra/tracer"
	"opsdeck/internal/usecase/eventbus"
)

var errHandshakeTimeout = errors.New("handshake timed out")

// Client multiplexes requests and events over a single gateway connection.
// The subscriber registry and observers outlive individual connections.
type Client struct {
	dialer domain.Dialer
	bus    domain.EventBus
	opts   Options
	logger *slog.Logger

	observers observers

	mu             sync.Mutex
	state          State
	current        *conn
	connSeq        uint64
	attempt        int
	exhausted      bool
	reconnectTimer *time.Timer
	stopped        bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Client. It does not dial until Connect is called. A nil bus
// gets a private registry.
func New(dialer domain.Dialer, bus domain.EventBus, opts Options, logger *slog.Logger) *Client {
	if bus == nil {
		bus = eventbus.New(logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		dialer:    dialer,
		bus:       bus,
		opts:      opts.withDefaults(),
		logger:    logger,
		observers: observers{logger: logger},
		state:     StateClosed,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether requests can be sent right now.
func (c *Client) Connected() bool { return c.State() == StateConnected }

// Attempt returns the reconnect counter. It is reset to 0 on reaching Connected.
func (c *Client) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// OnStatus registers an observer for status changes.
func (c *Client) OnStatus(fn StatusObserver) func() {
	return c.observers.add(fn)
}

// Subscribe registers handler for events named name, or for every event when
// name is domain.WildcardEvent.
func (c *Client) Subscribe(name string, handler domain.EventHandler) func() {
	return c.bus.Subscribe(name, handler)
}

// Connect starts a connection cycle. It is a no-op while connected, while a
// cycle is in progress, while a reconnect is pending, or after Close.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.stopped || c.state != StateClosed || c.reconnectTimer != nil {
		c.mu.Unlock()
		return
	}
	if c.exhausted {
		c.exhausted = false
		c.attempt = 0
	}
	st := c.startCycleLocked()
	c.mu.Unlock()

	c.observers.notify(st)
}

// WaitConnected blocks until the client is Connected, a terminal status is
// reported, or ctx is done.
func (c *Client) WaitConnected(ctx context.Context) error {
	ch := make(chan error, 1)
	report := func(err error) {
		select {
		case ch <- err:
		default:
		}
	}
	unsub := c.OnStatus(func(s Status) {
		switch {
		case s.State == StateConnected:
			report(nil)
		case s.Terminal:
			report(s.Err)
		}
	})
	defer unsub()

	c.mu.Lock()
	switch {
	case c.state == StateConnected:
		report(nil)
	case c.stopped:
		report(domain.ErrClosed)
	}
	c.mu.Unlock()

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Request sends method with params and waits for the matching response.
// It fails immediately with ErrNotConnected unless the client is Connected.
// A response with ok:false yields a *domain.RemoteError. If ctx ends first
// the request is abandoned locally; nothing is sent to the gateway.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	ctx, span := tracer.StartSpan(ctx, "gateway.request",
		trace.WithAttributes(tracer.StringAttr("method", method)))
	defer span.End()

	payload, err := c.request(ctx, method, params)
	if err != nil {
		span.SetAttributes(tracer.StringAttr("outcome", string(domain.ErrorCodeOf(err))))
		tracer.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(tracer.StringAttr("outcome", "ok"))
	tracer.SetOK(span)
	return payload, nil
}

func (c *Client) request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	cn := c.current
	if c.state != StateConnected || cn == nil {
		c.mu.Unlock()
		return nil, domain.NewDomainError("Client.Request", domain.ErrNotConnected, method)
	}
	c.mu.Unlock()

	raw, err := encodeParams(params)
	if err != nil {
		return nil, domain.NewDomainError("Client.Request", domain.ErrInvalidInput, err.Error())
	}

	id := newRequestID()
	data, err := domain.EncodeFrame(&domain.Request{ID: id, Method: method, Params: raw})
	if err != nil {
		return nil, domain.WrapOp("Client.Request", err)
	}

	p := &pendingRequest{method: method, done: make(chan result, 1)}

	c.mu.Lock()
	if c.current != cn || c.state != StateConnected {
		c.mu.Unlock()
		return nil, domain.NewDomainError("Client.Request", domain.ErrNotConnected, method)
	}
	p.timer = time.AfterFunc(c.opts.RequestTimeout, func() { c.expire(cn, id) })
	cn.pending[id] = p
	transport := cn.transport
	c.mu.Unlock()

	if err := transport.Write(ctx, data); err != nil {
		if c.abandon(cn, id) {
			return nil, domain.NewDomainError("Client.Request", domain.ErrConnectionLost, err.Error())
		}
		// Resolved concurrently (usually rejected by the close path).
		r := <-p.done
		return r.payload, r.err
	}

	select {
	case r := <-p.done:
		return r.payload, r.err
	case <-ctx.Done():
		if c.abandon(cn, id) {
			return nil, domain.WrapOp("Client.Request", ctx.Err())
		}
		r := <-p.done
		return r.payload, r.err
	}
}

// abandon removes a pending entry without resolving it. It reports false
// when someone else already took the entry.
func (c *Client) abandon(cn *conn, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := cn.take(id)
	return ok
}

func (c *Client) expire(cn *conn, id string) {
	c.mu.Lock()
	p, ok := cn.take(id)
	c.mu.Unlock()
	if !ok {
		return
	}
	c.logger.Warn("gateway: request timed out", "method", p.method, "id", id)
	p.done <- result{err: domain.NewDomainError("Client.Request", domain.ErrTimeout, p.method)}
}

// PendingCount returns the number of outstanding requests on the current connection.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return 0
	}
	return len(c.current.pending)
}

// Close stops the client permanently: the reconnect timer is cancelled,
// outstanding requests fail with ErrConnectionLost and the transport is
// closed normally.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	cn := c.current
	c.current = nil
	var pending []*pendingRequest
	var transport domain.Transport
	if cn != nil {
		pending = cn.drain()
		transport = cn.transport
		cn.cancel()
	}
	c.state = StateClosed
	attempt := c.attempt
	c.mu.Unlock()

	c.cancel()
	rejectAll(pending, connectionLost)

	var err error
	if transport != nil {
		err = transport.Close(domain.StatusNormalClosure, "client closed")
	}
	c.logger.Info("gateway: client closed")
	c.observers.notify(Status{State: StateClosed, Attempt: attempt, Err: domain.ErrClosed, Terminal: true})
	return err
}

// startCycleLocked moves Closed -> Connecting and dials in the background.
func (c *Client) startCycleLocked() Status {
	next, _ := nextState(c.state, triggerConnect)
	c.state = next
	c.connSeq++
	cn := newConn(c.ctx, c.connSeq)
	c.current = cn
	go c.dial(cn)
	return Status{State: next, Attempt: c.attempt}
}

func (c *Client) reconnect() {
	c.mu.Lock()
	c.reconnectTimer = nil
	if c.stopped || c.state != StateClosed {
		c.mu.Unlock()
		return
	}
	st := c.startCycleLocked()
	c.mu.Unlock()

	c.logger.Info("gateway: reconnecting", "attempt", st.Attempt)
	c.observers.notify(st)
}

func (c *Client) dial(cn *conn) {
	ctx, cancel := context.WithTimeout(cn.ctx, c.opts.DialTimeout)
	transport, err := c.dialer.Dial(ctx)
	cancel()
	if err != nil {
		c.connectionLost(cn, fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err))
		return
	}

	c.mu.Lock()
	if c.current != cn {
		c.mu.Unlock()
		transport.Close(domain.StatusNormalClosure, "stale connection")
		return
	}
	cn.transport = transport
	next, ok := nextState(c.state, triggerTransportOpen)
	if !ok {
		c.mu.Unlock()
		c.connectionLost(cn, fmt.Errorf("unexpected transport open in state %s", c.State()))
		return
	}
	c.state = next
	cn.handshakeTimer = time.AfterFunc(c.opts.HandshakeTimeout, func() {
		c.connectionLost(cn, errHandshakeTimeout)
	})
	attempt := c.attempt
	c.mu.Unlock()

	c.logger.Debug("gateway: transport open, awaiting challenge")
	c.observers.notify(Status{State: next, Attempt: attempt})

	go c.readLoop(cn)
}

func (c *Client) readLoop(cn *conn) {
	var err error
	for {
		var data []byte
		data, err = cn.transport.Read(cn.ctx)
		if err != nil {
			break
		}
		if err = c.dispatch(cn, data); err != nil {
			break
		}
	}
	c.connectionLost(cn, err)
}

func (c *Client) dispatch(cn *conn, data []byte) error {
	frame, err := domain.DecodeFrame(data)
	if err != nil {
		c.logger.Warn("gateway: discarding malformed frame", "error", err)
		return nil
	}

	switch f := frame.(type) {
	case *domain.Event:
		if f.Name == domain.ChallengeEvent {
			return c.answerChallenge(cn)
		}
		c.bus.Publish(*f)
	case *domain.Response:
		return c.handleResponse(cn, f)
	case *domain.Request:
		c.logger.Debug("gateway: ignoring request frame", "method", f.Method)
	}
	return nil
}

func (c *Client) answerChallenge(cn *conn) error {
	c.mu.Lock()
	if c.current != cn {
		c.mu.Unlock()
		return nil
	}
	next, ok := nextState(c.state, triggerChallenge)
	if !ok {
		state := c.state
		c.mu.Unlock()
		c.logger.Debug("gateway: ignoring challenge", "state", state)
		return nil
	}
	c.state = next
	cn.handshakeID = newRequestID()
	id := cn.handshakeID
	transport := cn.transport
	attempt := c.attempt
	c.mu.Unlock()

	c.observers.notify(Status{State: next, Attempt: attempt})

	req, err := domain.NewHandshake(id, c.opts.connectParams())
	if err != nil {
		return err
	}
	data, err := domain.EncodeFrame(req)
	if err != nil {
		return err
	}
	if err := transport.Write(cn.ctx, data); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}
	return nil
}

func (c *Client) handleResponse(cn *conn, resp *domain.Response) error {
	c.mu.Lock()
	if c.current != cn {
		c.mu.Unlock()
		return nil
	}

	if cn.handshakeID != "" && resp.ID == cn.handshakeID {
		cn.handshakeID = ""
		if cn.handshakeTimer != nil {
			cn.handshakeTimer.Stop()
			cn.handshakeTimer = nil
		}
		if !resp.OK {
			attempt := c.attempt
			state := c.state
			c.mu.Unlock()

			err := fmt.Errorf("%w: %w", domain.ErrAuthRejected, domain.NewRemoteError(domain.HandshakeMethod, resp))
			c.logger.Error("gateway: handshake rejected", "error", err)
			c.observers.notify(Status{State: state, Attempt: attempt, Err: err})
			return err
		}

		next, ok := nextState(c.state, triggerHandshakeOK)
		if !ok {
			state := c.state
			c.mu.Unlock()
			return fmt.Errorf("unexpected handshake response in state %s", state)
		}
		c.state = next
		c.attempt = 0
		c.exhausted = false
		c.mu.Unlock()

		c.logger.Info("gateway: connected")
		c.observers.notify(Status{State: next, Hello: resp.Payload})
		return nil
	}

	p, ok := cn.take(resp.ID)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("gateway: discarding response for unknown request", "id", resp.ID)
		return nil
	}

	if resp.OK {
		p.done <- result{payload: resp.Payload}
	} else {
		p.done <- result{err: domain.NewRemoteError(p.method, resp)}
	}
	return nil
}

// connectionLost ends cn. Only the first call for the current connection has
// any effect; later calls from the read loop, the watchdog or the dialer are
// ignored.
func (c *Client) connectionLost(cn *conn, cause error) {
	c.mu.Lock()
	if c.current != cn {
		c.mu.Unlock()
		return
	}
	c.current = nil
	if next, ok := nextState(c.state, triggerTransportClosed); ok {
		c.state = next
	} else {
		c.state = StateClosed
	}
	pending := cn.drain()
	transport := cn.transport
	cn.cancel()

	st := Status{State: StateClosed}
	if c.attempt >= c.opts.Backoff.MaxAttempts {
		c.exhausted = true
		st.Terminal = true
		st.Err = fmt.Errorf("%w after %d attempts: %w", domain.ErrReconnectExhausted, c.attempt, cause)
	} else {
		delay := c.opts.Backoff.Delay(c.attempt)
		c.attempt++
		c.reconnectTimer = time.AfterFunc(delay, c.reconnect)
		st.Delay = delay
		st.Err = fmt.Errorf("%w: %w", domain.ErrConnectionLost, cause)
	}
	st.Attempt = c.attempt
	c.mu.Unlock()

	rejectAll(pending, connectionLost)

	if transport != nil {
		code, reason := domain.StatusNormalClosure, ""
		if errors.Is(cause, domain.ErrAuthRejected) || errors.Is(cause, errHandshakeTimeout) {
			code, reason = domain.StatusHandshakeFailed, "handshake failed"
		}
		transport.Close(code, reason)
	}

	if st.Terminal {
		c.logger.Error("gateway: giving up reconnecting", "attempt", st.Attempt, "error", cause)
	} else {
		c.logger.Warn("gateway: connection lost, reconnect scheduled",
			"attempt", st.Attempt, "delay", st.Delay, "error", cause)
	}
	c.observers.notify(st)
}

func connectionLost(method string) error {
	return domain.NewDomainError("Client.Request", domain.ErrConnectionLost, method)
}

func encodeParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return json.Marshal(p)
	}
}

// newRequestID returns a lexically sortable, globally unique id.
func newRequestID() string {
	return ulid.Make().String()
}

var _ domain.GatewayClient = (*Client)(nil)
