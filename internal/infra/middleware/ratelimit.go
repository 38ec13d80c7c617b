package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	sweepInterval = time.Minute
	idleAfter     = 3 * time.Minute
)

// RateLimitConfig configures per-client token buckets.
type RateLimitConfig struct {
	RequestsPerMin int
	BurstSize      int
	// TrustedProxies are peers whose X-Forwarded-For / X-Real-IP headers
	// are believed. Everyone else is keyed by the TCP peer address.
	TrustedProxies []string
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter rate-limits requests per client IP.
type Limiter struct {
	cfg     RateLimitConfig
	trusted map[string]struct{}

	mu       sync.Mutex
	visitors map[string]*visitor
}

// NewLimiter creates a Limiter and starts a sweeper that forgets idle
// clients until ctx is cancelled.
func NewLimiter(ctx context.Context, cfg RateLimitConfig) *Limiter {
	if cfg.RequestsPerMin <= 0 {
		cfg.RequestsPerMin = 60
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 10
	}
	l := &Limiter{
		cfg:      cfg,
		trusted:  make(map[string]struct{}, len(cfg.TrustedProxies)),
		visitors: make(map[string]*visitor),
	}
	for _, ip := range cfg.TrustedProxies {
		l.trusted[ip] = struct{}{}
	}

	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				l.sweep(now)
			case <-ctx.Done():
				return
			}
		}
	}()
	return l
}

// Allow consumes one token for ip.
func (l *Limiter) Allow(ip string) bool {
	l.mu.Lock()
	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(l.cfg.RequestsPerMin)/60.0, l.cfg.BurstSize)}
		l.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	l.mu.Unlock()
	return v.limiter.Allow()
}

// Len returns the number of tracked clients.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

func (l *Limiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, v := range l.visitors {
		if now.Sub(v.lastSeen) > idleAfter {
			delete(l.visitors, ip)
		}
	}
}

// Middleware rejects requests over the limit with 429.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(l.clientIP(r)) {
			w.Header().Set("Retry-After", "60")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP returns the TCP peer, or the forwarded client when the peer is a
// trusted proxy.
func (l *Limiter) clientIP(r *http.Request) string {
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(peer); err == nil {
		peer = host
	}
	if _, ok := l.trusted[peer]; !ok {
		return peer
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	return peer
}
