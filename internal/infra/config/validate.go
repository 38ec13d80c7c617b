package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// ValidationError collects every problem found in a config.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(e.Errors, "\n  - ")
}

// Add records one problem.
func (e *ValidationError) Add(format string, args ...any) {
	e.Errors = append(e.Errors, fmt.Sprintf(format, args...))
}

// HasErrors reports whether any problem was recorded.
func (e *ValidationError) HasErrors() bool { return len(e.Errors) > 0 }

// Validate checks the sections every command relies on.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateGateway(&cfg.Gateway, ve)
	validatePoller(&cfg.Poller, ve)
	validateJournal(&cfg.Journal, ve)
	validateDiscovery(&cfg.Discovery, ve)
	validateLogger(&cfg.Logger, ve)
	validateTracer(&cfg.Tracer, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

// ValidateProxy checks what the proxy needs on top of Validate. It is only
// called by the proxy command, since consumers never need a gateway token.
func ValidateProxy(cfg *Config) error {
	ve := &ValidationError{}
	p := &cfg.Proxy

	if cfg.Gateway.Token == "" {
		ve.Add("gateway.token is required to run the proxy")
	}
	if _, _, err := net.SplitHostPort(p.Addr); err != nil {
		ve.Add("proxy.addr %q: %v", p.Addr, err)
	}
	if !strings.HasPrefix(p.Path, "/") {
		ve.Add("proxy.path must start with '/', got %q", p.Path)
	}
	if p.Origin != "" {
		if u, err := url.Parse(p.Origin); err != nil || u.Scheme == "" || u.Host == "" {
			ve.Add("proxy.origin %q is not an absolute URL", p.Origin)
		}
	}
	if p.ReadLimit < 0 {
		ve.Add("proxy.read_limit must not be negative")
	}
	positive(ve, "proxy.dial_timeout", p.DialTimeout)
	if p.RateLimit.RequestsPerMin < 0 || p.RateLimit.Burst < 0 {
		ve.Add("proxy.rate_limit values must not be negative")
	}
	for _, cidr := range p.RateLimit.TrustedProxies {
		if _, _, err := net.ParseCIDR(cidr); err != nil && net.ParseIP(cidr) == nil {
			ve.Add("proxy.rate_limit.trusted_proxies: %q is neither an IP nor a CIDR", cidr)
		}
	}
	if p.Breaker.MaxFailures == 0 {
		ve.Add("proxy.breaker.max_failures must be at least 1")
	}
	positive(ve, "proxy.breaker.timeout", p.Breaker.Timeout)
	if p.Audit.MaxAge < 0 {
		ve.Add("proxy.audit.max_age must not be negative")
	}

	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateGateway(g *GatewayConfig, ve *ValidationError) {
	u, err := url.Parse(g.URL)
	switch {
	case g.URL == "":
		ve.Add("gateway.url is required")
	case err != nil:
		ve.Add("gateway.url %q: %v", g.URL, err)
	case u.Scheme != "ws" && u.Scheme != "wss":
		ve.Add("gateway.url must use ws:// or wss://, got %q", g.URL)
	case u.Host == "":
		ve.Add("gateway.url %q has no host", g.URL)
	}

	if g.Client.ID == "" {
		ve.Add("gateway.client.id is required")
	}
	if g.Role == "" {
		ve.Add("gateway.role is required")
	}
	if g.MinProtocol <= 0 || g.MaxProtocol < g.MinProtocol {
		ve.Add("gateway protocol range [%d, %d] is invalid", g.MinProtocol, g.MaxProtocol)
	}
	positive(ve, "gateway.request_timeout", g.RequestTimeout)
	positive(ve, "gateway.handshake_timeout", g.HandshakeTimeout)
	positive(ve, "gateway.dial_timeout", g.DialTimeout)

	r := g.Reconnect
	positive(ve, "gateway.reconnect.base", r.Base)
	if r.Growth < 1 {
		ve.Add("gateway.reconnect.growth must be >= 1, got %g", r.Growth)
	}
	if r.Cap < r.Base {
		ve.Add("gateway.reconnect.cap (%s) is below base (%s)", r.Cap, r.Base)
	}
	if r.MaxAttempts < 0 {
		ve.Add("gateway.reconnect.max_attempts must not be negative")
	}
}

func validatePoller(p *PollerConfig, ve *ValidationError) {
	seen := make(map[string]bool, len(p.Tasks))
	for i, t := range p.Tasks {
		if t.Name == "" {
			ve.Add("poller.tasks[%d].name is required", i)
		} else if seen[t.Name] {
			ve.Add("poller.tasks[%d]: duplicate name %q", i, t.Name)
		}
		seen[t.Name] = true
		if t.Schedule == "" {
			ve.Add("poller.tasks[%d].schedule is required", i)
		}
		if t.Method == "" {
			ve.Add("poller.tasks[%d].method is required", i)
		}
	}
}

func validateJournal(j *JournalConfig, ve *ValidationError) {
	if j.Enabled && j.Path == "" {
		ve.Add("journal.path is required when the journal is enabled")
	}
	if j.Retention < 0 {
		ve.Add("journal.retention must not be negative")
	}
}

func validateDiscovery(d *DiscoveryConfig, ve *ValidationError) {
	if !d.MDNS {
		return
	}
	if !strings.HasPrefix(d.Service, "_") {
		ve.Add("discovery.service must look like _name._tcp, got %q", d.Service)
	}
	positive(ve, "discovery.timeout", d.Timeout)
}

func validateLogger(l *LoggerConfig, ve *ValidationError) {
	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		ve.Add("logger.level must be debug, info, warn or error, got %q", l.Level)
	}
	switch l.Format {
	case "text", "json":
	default:
		ve.Add("logger.format must be text or json, got %q", l.Format)
	}
}

func validateTracer(t *TracerConfig, ve *ValidationError) {
	if !t.Enabled {
		return
	}
	switch t.Exporter {
	case "stdout", "noop":
	default:
		ve.Add("tracer.exporter must be stdout or noop, got %q", t.Exporter)
	}
}

func positive(ve *ValidationError, name string, d time.Duration) {
	if d <= 0 {
		ve.Add("%s must be positive, got %s", name, d)
	}
}
