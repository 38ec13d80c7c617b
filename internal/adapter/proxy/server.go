// Package proxy is the authenticating websocket proxy between browser
// consumers and the gateway. Each consumer socket is paired with its own
// gateway socket; only the handshake frame is rewritten.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"opsdeck/internal/adapter/wsconn"
	"opsdeck/internal/domain"
	"opsdeck/internal/infra/middleware"
	"opsdeck/internal/infra/tracer"
)

// DefaultPath is where consumers open their socket.
const DefaultPath = "/ws"

// Options is the static configuration of a proxy. It is read-only once the
// server starts.
type Options struct {
	Addr string
	Path string

	GatewayURL   string
	GatewayToken string
	// LocalSecret, when set, must match auth.password in the consumer handshake.
	LocalSecret string
	// Origin is sent to the gateway on every dial.
	Origin string

	// AllowedOrigins are extra Origin host patterns accepted from consumers.
	AllowedOrigins []string
	// AllowAnyOrigin disables consumer origin checks.
	AllowAnyOrigin bool

	// StaticDir, when set, is served at / behind security headers.
	StaticDir string

	// Audit, when set, records pair lifecycle and authentication failures.
	Audit domain.AuditLogger

	ReadLimit   int64
	DialTimeout time.Duration
	Breaker     BreakerOptions
	RateLimit   middleware.RateLimitConfig
}

var defaultOriginPatterns = []string{
	"localhost",
	"localhost:*",
	"127.0.0.1",
	"127.0.0.1:*",
	"[::1]",
	"[::1]:*",
}

// Server accepts consumer sockets and runs one pair per connection.
type Server struct {
	opts     Options
	rewriter *rewriter
	breaker  *breakerDialer
	metrics  *Metrics
	logger   *slog.Logger
	started  time.Time

	pairs sync.Map // pair id -> *pair

	mu        sync.Mutex
	httpSrv   *http.Server
	boundAddr string
	baseCtx   context.Context
	cancel    context.CancelFunc
}

// NewServer creates a proxy. A nil upstream dials opts.GatewayURL with
// opts.Origin.
func NewServer(opts Options, upstream domain.Dialer, logger *slog.Logger) *Server {
	if opts.Path == "" {
		opts.Path = DefaultPath
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if upstream == nil {
		upstream = wsconn.NewDialer(opts.GatewayURL, wsconn.DialOptions{
			Origin:    opts.Origin,
			ReadLimit: opts.ReadLimit,
		})
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:     opts,
		rewriter: newRewriter(opts.LocalSecret, opts.GatewayToken),
		breaker:  newBreakerDialer(upstream, opts.Breaker, logger),
		metrics:  &Metrics{},
		logger:   logger,
		started:  time.Now(),
		baseCtx:  baseCtx,
		cancel:   cancel,
	}
}

// Metrics exposes the live counters.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Handler returns the proxy's HTTP routes. ctx bounds the rate limiter's
// background sweeper.
func (s *Server) Handler(ctx context.Context) http.Handler {
	limiter := middleware.NewLimiter(ctx, s.opts.RateLimit)

	mux := http.NewServeMux()
	mux.Handle(s.opts.Path, limiter.Middleware(http.HandlerFunc(s.handleUpgrade)))
	mux.Handle("/healthz", middleware.NoStore(healthHandler(s)))
	mux.Handle("/metrics", middleware.NoStore(metricsHandler(s)))
	if s.opts.StaticDir != "" {
		mux.Handle("/", middleware.SecurityHeaders(http.FileServer(http.Dir(s.opts.StaticDir))))
	}
	return mux
}

// Start listens on opts.Addr and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("proxy listen: %w", err)
	}

	srv := &http.Server{
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.boundAddr = listener.Addr().String()
	s.httpSrv = srv
	s.mu.Unlock()

	s.logger.Info("proxy started",
		"addr", s.BoundAddr(),
		"path", s.opts.Path,
		"gateway", s.opts.GatewayURL,
		"local_secret", s.opts.LocalSecret != "",
	)

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("proxy serve: %w", err)
	}
	return nil
}

// Stop closes every pair and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()
	s.pairs.Range(func(key, value any) bool {
		value.(*pair).shutdown()
		return true
	})

	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// BoundAddr returns the listening address. Only valid after Start.
func (s *Server) BoundAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

// dialer bounds each gateway dial by the configured timeout.
func (s *Server) dialer() domain.Dialer {
	return domain.DialerFunc(func(ctx context.Context) (domain.Transport, error) {
		ctx, cancel := context.WithTimeout(ctx, s.opts.DialTimeout)
		defer cancel()
		return s.breaker.Dial(ctx)
	})
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	in, err := wsconn.Accept(w, r, wsconn.AcceptOptions{
		OriginPatterns:     append(append([]string(nil), defaultOriginPatterns...), s.opts.AllowedOrigins...),
		InsecureSkipVerify: s.opts.AllowAnyOrigin,
		ReadLimit:          s.opts.ReadLimit,
	})
	if err != nil {
		s.logger.Warn("proxy: websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s.serve(in, r.RemoteAddr)
}

// serve runs one pair for an accepted consumer socket and blocks until both
// sides are closed.
func (s *Server) serve(in domain.Transport, remote string) {
	id := ulid.Make().String()
	logger := s.logger.With("pair_id", id)

	ctx, span := tracer.StartSpan(s.baseCtx, "proxy.pair",
		trace.WithAttributes(tracer.StringAttr("pair_id", id)))
	defer span.End()

	p := newPair(ctx, id, in, s.rewriter, s.metrics, logger)
	p.audit = func(ctx context.Context, typ domain.AuditEventType, outcome string, detail map[string]string) {
		s.audit(ctx, domain.AuditEvent{Type: typ, Actor: remote, Resource: id, Outcome: outcome, Detail: detail})
	}
	s.pairs.Store(id, p)
	s.metrics.PairsActive.Add(1)
	s.metrics.PairsTotal.Add(1)
	defer func() {
		s.pairs.Delete(id)
		s.metrics.PairsActive.Add(-1)
	}()

	logger.Info("proxy: consumer connected", "remote", remote)
	s.audit(ctx, domain.AuditEvent{Type: domain.AuditPairOpen, Actor: remote, Resource: id, Outcome: "accepted"})

	reason := p.run(s.dialer())
	span.SetAttributes(tracer.StringAttr("close_reason", reason))
	logger.Info("proxy: pair closed", "reason", reason)
	s.audit(ctx, domain.AuditEvent{
		Type:     domain.AuditPairClose,
		Actor:    remote,
		Resource: id,
		Outcome:  "closed",
		Detail:   map[string]string{"reason": reason},
	})
}

func (s *Server) audit(ctx context.Context, ev domain.AuditEvent) {
	if s.opts.Audit == nil {
		return
	}
	if err := s.opts.Audit.Log(ctx, ev); err != nil {
		s.logger.Warn("proxy: audit write failed", "error", err, "type", ev.Type)
	}
}
