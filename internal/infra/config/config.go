package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config is the top-level opsdeck configuration.
type Config struct {
	Gateway   GatewayConfig   `yaml:"gateway"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	Poller    PollerConfig    `yaml:"poller"`
	Journal   JournalConfig   `yaml:"journal"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
	Includes  []string        `yaml:"includes,omitempty"`
}

// GatewayConfig describes how to reach the gateway, directly or through the proxy.
type GatewayConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
	// Password is the proxy's local secret, sent as auth.password when
	// connecting through the proxy.
	Password string `yaml:"password,omitempty"`
	Origin   string `yaml:"origin,omitempty"`

	Client      ClientConfig `yaml:"client"`
	Role        string       `yaml:"role"`
	Scopes      []string     `yaml:"scopes"`
	MinProtocol int          `yaml:"min_protocol"`
	MaxProtocol int          `yaml:"max_protocol"`

	RequestTimeout   time.Duration   `yaml:"request_timeout"`
	HandshakeTimeout time.Duration   `yaml:"handshake_timeout"`
	DialTimeout      time.Duration   `yaml:"dial_timeout"`
	Reconnect        ReconnectConfig `yaml:"reconnect"`
}

// ClientConfig is the client descriptor sent in the handshake.
type ClientConfig struct {
	ID       string `yaml:"id"`
	Version  string `yaml:"version"`
	Platform string `yaml:"platform"`
	Mode     string `yaml:"mode"`
}

// ReconnectConfig holds the reconnect backoff schedule.
type ReconnectConfig struct {
	Base        time.Duration `yaml:"base"`
	Growth      float64       `yaml:"growth"`
	Cap         time.Duration `yaml:"cap"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// ProxyConfig holds authenticating proxy settings. The upstream address and
// credential come from GatewayConfig.
type ProxyConfig struct {
	Addr string `yaml:"addr"`
	Path string `yaml:"path"`
	// LocalSecret gates consumers; empty disables the check.
	LocalSecret string `yaml:"local_secret,omitempty"`
	// Origin is presented to the gateway on every outbound dial.
	Origin         string          `yaml:"origin"`
	AllowedOrigins []string        `yaml:"allowed_origins,omitempty"`
	AllowAnyOrigin bool            `yaml:"allow_any_origin"`
	StaticDir      string          `yaml:"static_dir,omitempty"`
	ReadLimit      int64           `yaml:"read_limit"`
	DialTimeout    time.Duration   `yaml:"dial_timeout"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	Breaker        BreakerConfig   `yaml:"breaker"`
	Audit          AuditConfig     `yaml:"audit"`
}

// AuditConfig holds the proxy's JSONL audit log. An empty Path disables it.
type AuditConfig struct {
	Path    string        `yaml:"path,omitempty"`
	MaxAge  time.Duration `yaml:"max_age"`
	MaxSize string        `yaml:"max_size,omitempty"` // e.g. "50MB"
}

// RateLimitConfig limits websocket upgrades per client IP.
type RateLimitConfig struct {
	RequestsPerMin int      `yaml:"requests_per_min"`
	Burst          int      `yaml:"burst"`
	TrustedProxies []string `yaml:"trusted_proxies,omitempty"`
}

// BreakerConfig holds circuit breaker settings for gateway dials.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// PollerConfig holds periodic gateway polls.
type PollerConfig struct {
	Enabled bool             `yaml:"enabled"`
	Tasks   []PollTaskConfig `yaml:"tasks"`
}

// PollTaskConfig defines one periodic request.
type PollTaskConfig struct {
	Name     string         `yaml:"name"`
	Schedule string         `yaml:"schedule"` // cron expression or duration string
	Method   string         `yaml:"method"`
	Params   map[string]any `yaml:"params,omitempty"`
}

// JournalConfig holds the SQLite event journal settings.
type JournalConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// DiscoveryConfig holds gateway discovery settings.
// NOTE: mDNS browsing also requires the binary to be built with the "mdns"
// build tag; without it discovery always returns nothing.
type DiscoveryConfig struct {
	MDNS    bool          `yaml:"mdns"`
	Service string        `yaml:"service"`
	Domain  string        `yaml:"domain"`
	Timeout time.Duration `yaml:"timeout"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// defaultDataDir returns $HOME/.opsdeck, or ./data without a home directory.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".opsdeck")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Gateway: GatewayConfig{
			URL: "ws://127.0.0.1:18789",
			Client: ClientConfig{
				ID:       "opsdeck",
				Version:  "dev",
				Platform: "cli",
				Mode:     "operator",
			},
			Role:             "operator",
			Scopes:           []string{"operator.read", "operator.write"},
			MinProtocol:      3,
			MaxProtocol:      3,
			RequestTimeout:   30 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			DialTimeout:      15 * time.Second,
			Reconnect: ReconnectConfig{
				Base:        time.Second,
				Growth:      1.5,
				Cap:         30 * time.Second,
				MaxAttempts: 15,
			},
		},
		Proxy: ProxyConfig{
			Addr:        "127.0.0.1:18790",
			Path:        "/ws",
			Origin:      "http://127.0.0.1:18789",
			ReadLimit:   4 << 20,
			DialTimeout: 10 * time.Second,
			RateLimit: RateLimitConfig{
				RequestsPerMin: 60,
				Burst:          20,
			},
			Breaker: BreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
			Audit: AuditConfig{
				MaxAge: 30 * 24 * time.Hour,
			},
		},
		Journal: JournalConfig{
			Path:      filepath.Join(defaultDataDir(), "journal.db"),
			Retention: 7 * 24 * time.Hour,
		},
		Discovery: DiscoveryConfig{
			Service: "_openclaw-gw._tcp",
			Domain:  "local.",
			Timeout: 3 * time.Second,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "noop",
		},
	}
}

// ApplyEnvOverrides maps OPSDECK_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OPSDECK_GATEWAY_URL"); v != "" {
		cfg.Gateway.URL = v
	}
	if v := os.Getenv("OPSDECK_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Token = v
	}
	if v := os.Getenv("OPSDECK_GATEWAY_PASSWORD"); v != "" {
		cfg.Gateway.Password = v
	}
	if v := os.Getenv("OPSDECK_GATEWAY_ORIGIN"); v != "" {
		cfg.Gateway.Origin = v
	}
	if v := os.Getenv("OPSDECK_GATEWAY_SCOPES"); v != "" {
		cfg.Gateway.Scopes = splitAndTrim(v, ",")
	}
	if v := os.Getenv("OPSDECK_GATEWAY_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Gateway.RequestTimeout = d
		}
	}
	if v := os.Getenv("OPSDECK_PROXY_ADDR"); v != "" {
		cfg.Proxy.Addr = v
	}
	if v := os.Getenv("OPSDECK_PROXY_LOCAL_SECRET"); v != "" {
		cfg.Proxy.LocalSecret = v
	}
	if v := os.Getenv("OPSDECK_PROXY_ORIGIN"); v != "" {
		cfg.Proxy.Origin = v
	}
	if v := os.Getenv("OPSDECK_PROXY_STATIC_DIR"); v != "" {
		cfg.Proxy.StaticDir = v
	}
	if v := os.Getenv("OPSDECK_PROXY_ALLOWED_ORIGINS"); v != "" {
		cfg.Proxy.AllowedOrigins = splitAndTrim(v, ",")
	}
	if v := os.Getenv("OPSDECK_PROXY_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Proxy.RateLimit.RequestsPerMin = n
		}
	}
	if v := os.Getenv("OPSDECK_PROXY_AUDIT_LOG"); v != "" {
		cfg.Proxy.Audit.Path = v
	}
	if v := os.Getenv("OPSDECK_JOURNAL_PATH"); v != "" {
		cfg.Journal.Path = v
		cfg.Journal.Enabled = true
	}
	if v := os.Getenv("OPSDECK_DISCOVERY_MDNS"); v != "" {
		cfg.Discovery.MDNS = v == "true" || v == "1"
	}
	if v := os.Getenv("OPSDECK_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("OPSDECK_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("OPSDECK_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("OPSDECK_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("OPSDECK_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

// splitAndTrim splits s by sep and drops empty elements.
func splitAndTrim(s, sep string) []string {
	var out []string
	for _, p := range strings.Split(s, sep) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
