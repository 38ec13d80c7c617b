// Package integration wires the real gateway client, proxy and supporting
// packages together against an in-process gateway.
package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"opsdeck/internal/adapter/wsconn"
	"opsdeck/internal/domain"
)

// Config holds live-gateway settings from the environment.
type Config struct {
	GatewayURL   string
	GatewayToken string
	TestTimeout  time.Duration
}

// LoadConfig reads OPSDECK_E2E_* variables.
func LoadConfig() *Config {
	return &Config{
		GatewayURL:   os.Getenv("OPSDECK_E2E_GATEWAY_URL"),
		GatewayToken: os.Getenv("OPSDECK_E2E_GATEWAY_TOKEN"),
		TestTimeout:  30 * time.Second,
	}
}

// SkipIfNoGateway skips the test unless a live gateway is configured.
func SkipIfNoGateway(t *testing.T, cfg *Config) {
	t.Helper()
	if cfg.GatewayURL == "" {
		t.Skip("Skipping live gateway test: OPSDECK_E2E_GATEWAY_URL not set")
	}
}

// SkipIfShort skips integration tests in short mode.
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// NewTestContext creates a context cancelled at timeout or test end.
func NewTestContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// Gateway is an in-process gateway speaking the challenge/handshake
// protocol. It accepts only Token, answers "echo" with its params, fails
// "fail", and answers "emit" by first pushing the event named in params.
type Gateway struct {
	Token string

	srv *httptest.Server

	mu         sync.Mutex
	handshakes []json.RawMessage
	conns      map[*wsconn.Conn]struct{}
}

// NewGateway starts a gateway that accepts token.
func NewGateway(t *testing.T, token string) *Gateway {
	t.Helper()
	g := &Gateway{Token: token, conns: make(map[*wsconn.Conn]struct{})}
	g.srv = httptest.NewServer(http.HandlerFunc(g.serve))
	t.Cleanup(g.srv.Close)
	return g
}

// URL returns the ws:// address.
func (g *Gateway) URL() string { return "ws" + strings.TrimPrefix(g.srv.URL, "http") }

// Handshakes returns the params of every handshake received.
func (g *Gateway) Handshakes() []json.RawMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]json.RawMessage(nil), g.handshakes...)
}

// Connections returns the number of open sockets.
func (g *Gateway) Connections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// DropAll closes every open socket with 1011.
func (g *Gateway) DropAll() {
	g.mu.Lock()
	conns := make([]*wsconn.Conn, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()
	for _, c := range conns {
		c.Close(domain.StatusInternalError, "restarting")
	}
}

// Broadcast pushes an event to every open socket.
func (g *Gateway) Broadcast(ctx context.Context, name string, payload json.RawMessage) {
	frame, _ := domain.EncodeFrame(&domain.Event{Name: name, Payload: payload})
	g.mu.Lock()
	conns := make([]*wsconn.Conn, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()
	for _, c := range conns {
		_ = c.Write(ctx, frame)
	}
}

func (g *Gateway) serve(w http.ResponseWriter, r *http.Request) {
	c, err := wsconn.Accept(w, r, wsconn.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	g.mu.Lock()
	g.conns[c] = struct{}{}
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.conns, c)
		g.mu.Unlock()
		c.Close(domain.StatusNormalClosure, "")
	}()

	ctx := r.Context()
	challenge, _ := domain.EncodeFrame(&domain.Event{Name: domain.ChallengeEvent, Payload: json.RawMessage(`{"nonce":"n-1"}`)})
	if c.Write(ctx, challenge) != nil {
		return
	}

	authed := false
	for {
		data, err := c.Read(ctx)
		if err != nil {
			return
		}
		fr, err := domain.DecodeFrame(data)
		if err != nil {
			continue
		}
		req, ok := fr.(*domain.Request)
		if !ok {
			continue
		}

		var resp *domain.Response
		switch {
		case req.Method == domain.HandshakeMethod:
			g.mu.Lock()
			g.handshakes = append(g.handshakes, req.Params)
			g.mu.Unlock()
			resp = g.handshake(req)
			authed = resp.OK
		case !authed:
			resp = &domain.Response{ID: req.ID, Error: &domain.ErrorShape{Code: 403, Message: "handshake required"}}
		case req.Method == "echo":
			resp = &domain.Response{ID: req.ID, OK: true, Payload: req.Params}
		case req.Method == "emit":
			var p struct {
				Name string `json:"name"`
			}
			_ = json.Unmarshal(req.Params, &p)
			ev, _ := domain.EncodeFrame(&domain.Event{Name: p.Name, Payload: req.Params})
			if c.Write(ctx, ev) != nil {
				return
			}
			resp = &domain.Response{ID: req.ID, OK: true, Payload: json.RawMessage(`{"emitted":true}`)}
		default:
			resp = &domain.Response{ID: req.ID, Error: &domain.ErrorShape{Code: 404, Message: "unknown method " + req.Method}}
		}

		out, _ := domain.EncodeFrame(resp)
		if c.Write(ctx, out) != nil {
			return
		}
		if req.Method == domain.HandshakeMethod && !resp.OK {
			c.Close(domain.StatusHandshakeFailed, "unauthorized")
			return
		}
	}
}

func (g *Gateway) handshake(req *domain.Request) *domain.Response {
	var p domain.ConnectParams
	if err := json.Unmarshal(req.Params, &p); err != nil || p.Auth.Token != g.Token {
		return &domain.Response{ID: req.ID, Error: &domain.ErrorShape{Code: 401, Message: "invalid token"}}
	}
	return &domain.Response{ID: req.ID, OK: true, Payload: json.RawMessage(`{"type":"hello-ok","protocol":3,"server":{"version":"test","host":"local"}}`)}
}
