package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"opsdeck/internal/adapter/discovery"
	"opsdeck/internal/adapter/gateway"
	"opsdeck/internal/adapter/journal"
	"opsdeck/internal/domain"
	"opsdeck/internal/infra/config"
	"opsdeck/internal/infra/logger"
	"opsdeck/internal/usecase/poller"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
	StatusSkip CheckStatus = "SKIP"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function. cfg is nil when loading failed.
type Check struct {
	Name string
	Fn   func(ctx context.Context, cfg *config.Config) CheckResult
}

func runDoctor(args []string) error {
	cfgPath, _ := splitArgs(args)
	cfg, cfgErr := config.Load(cfgPath)
	if cfgErr != nil {
		cfg = nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	fail := doctor(ctx, os.Stdout, doctorChecks(cfgPath, cfgErr), cfg)
	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func doctorChecks(cfgPath string, cfgErr error) []Check {
	return []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Gateway reachable", Fn: checkGatewayReachable},
		{Name: "Gateway handshake", Fn: checkHandshake},
		{Name: "Proxy credentials", Fn: checkProxyCredentials},
		{Name: "Proxy address", Fn: checkProxyAddr},
		{Name: "Poll schedules", Fn: checkPollSchedules},
		{Name: "Journal", Fn: checkJournal},
		{Name: "Audit log", Fn: checkAuditLog},
		{Name: "Discovery", Fn: checkDiscovery},
	}
}

// doctor runs checks in order, prints them to w and returns the number of
// failures.
func doctor(ctx context.Context, w io.Writer, checks []Check, cfg *config.Config) int {
	fmt.Fprintln(w, "opsdeck doctor")
	fmt.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintln(w)

	var pass, warn, fail int
	for _, check := range checks {
		result := CheckResult{Status: StatusSkip, Message: "config did not load"}
		if cfg != nil || check.Name == "Config file" {
			result = check.Fn(ctx, cfg)
		}
		result.Name = check.Name

		fmt.Fprintf(w, "  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(w, "      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Repeat("-", 50))
	fmt.Fprintf(w, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)
	return fail
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	case StatusSkip:
		return "[SKIP]"
	default:
		return "[????]"
	}
}

func checkConfigFile(cfgPath string, cfgErr error) func(context.Context, *config.Config) CheckResult {
	return func(context.Context, *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: cfgErr.Error(),
				Fix:     "Fix the listed fields in " + cfgPath,
			}
		}
		if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("%s not found, using defaults and environment", cfgPath),
			}
		}
		return CheckResult{Status: StatusPass, Message: "loaded " + cfgPath}
	}
}

// gatewayHostPort returns host:port for a ws or wss URL.
func gatewayHostPort(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Port() != "" {
		return u.Host, nil
	}
	port := "80"
	if u.Scheme == "wss" {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

func checkGatewayReachable(ctx context.Context, cfg *config.Config) CheckResult {
	addr, err := gatewayHostPort(cfg.Gateway.URL)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error()}
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Gateway.DialTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot reach %s: %v", addr, err),
			Fix:     "Start the gateway or set gateway.url / OPSDECK_GATEWAY_URL",
		}
	}
	conn.Close()
	return CheckResult{Status: StatusPass, Message: addr + " accepts connections"}
}

func checkHandshake(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg.Gateway.Token == "" && cfg.Gateway.Password == "" {
		return CheckResult{
			Status:  StatusWarn,
			Message: "no gateway.token or gateway.password, handshake not attempted",
		}
	}

	client := newClient(cfg, logger.Discard())
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, cfg.Gateway.DialTimeout+cfg.Gateway.HandshakeTimeout)
	defer cancel()

	var hello json.RawMessage
	unsub := client.OnStatus(func(s gateway.Status) {
		if s.Hello != nil {
			hello = s.Hello
		}
	})
	defer unsub()

	if err := firstConnect(ctx, client); err != nil {
		res := CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s: %v", domain.ErrorCodeOf(err), err),
		}
		if errors.Is(err, domain.ErrAuthRejected) {
			res.Fix = "Check gateway.token, or gateway.password when connecting through the proxy"
		}
		return res
	}
	return CheckResult{Status: StatusPass, Message: "connected" + helloSummary(hello)}
}

func helloSummary(hello json.RawMessage) string {
	var h struct {
		Protocol int `json:"protocol"`
		Server   struct {
			Version string `json:"version"`
		} `json:"server"`
	}
	if json.Unmarshal(hello, &h) != nil || h.Protocol == 0 {
		return ""
	}
	if h.Server.Version == "" {
		return fmt.Sprintf(", protocol %d", h.Protocol)
	}
	return fmt.Sprintf(", protocol %d, server %s", h.Protocol, h.Server.Version)
}

func checkProxyCredentials(_ context.Context, cfg *config.Config) CheckResult {
	switch {
	case cfg.Gateway.Token == "":
		return CheckResult{
			Status:  StatusWarn,
			Message: "gateway.token is empty, the proxy will refuse to start",
			Fix:     "Set gateway.token (opsdeck encrypt can seal it)",
		}
	case cfg.Proxy.LocalSecret == "":
		return CheckResult{
			Status:  StatusWarn,
			Message: "proxy.local_secret is empty, any local consumer can use the gateway token",
		}
	}
	return CheckResult{Status: StatusPass, Message: "gateway token and local secret set"}
}

func checkProxyAddr(_ context.Context, cfg *config.Config) CheckResult {
	ln, err := net.Listen("tcp", cfg.Proxy.Addr)
	if err != nil {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s unavailable: %v (is the proxy already running?)", cfg.Proxy.Addr, err),
		}
	}
	ln.Close()
	return CheckResult{Status: StatusPass, Message: cfg.Proxy.Addr + " is free"}
}

func checkPollSchedules(_ context.Context, cfg *config.Config) CheckResult {
	if len(cfg.Poller.Tasks) == 0 {
		return CheckResult{Status: StatusPass, Message: "no poll tasks configured"}
	}
	var bad []string
	for _, t := range cfg.Poller.Tasks {
		if _, err := poller.ParseSchedule(t.Schedule); err != nil {
			bad = append(bad, fmt.Sprintf("%s (%q)", t.Name, t.Schedule))
		}
	}
	if len(bad) > 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: "invalid schedule: " + strings.Join(bad, ", "),
			Fix:     `Use a cron expression, "@every 1m" or a duration such as "30s"`,
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d task(s) scheduled", len(cfg.Poller.Tasks))}
}

func checkJournal(ctx context.Context, cfg *config.Config) CheckResult {
	if !cfg.Journal.Enabled {
		return CheckResult{Status: StatusPass, Message: "disabled"}
	}
	store, err := journal.Open(cfg.Journal.Path, logger.Discard())
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: err.Error(),
			Fix:     "Check journal.path is writable",
		}
	}
	defer store.Close()
	n, err := store.Count(ctx)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error()}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s (%d events)", cfg.Journal.Path, n)}
}

func checkAuditLog(_ context.Context, cfg *config.Config) CheckResult {
	path := cfg.Proxy.Audit.Path
	if path == "" {
		return CheckResult{Status: StatusPass, Message: "disabled"}
	}
	dir := filepath.Dir(path)
	info, err := os.Stat(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return CheckResult{Status: StatusPass, Message: dir + " will be created"}
	case err != nil:
		return CheckResult{Status: StatusFail, Message: err.Error()}
	case !info.IsDir():
		return CheckResult{Status: StatusFail, Message: dir + " is not a directory"}
	case info.Mode().Perm()&0o022 != 0:
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s is group/world writable (%o)", dir, info.Mode().Perm()),
			Fix:     "chmod 700 " + dir,
		}
	}
	return CheckResult{Status: StatusPass, Message: path}
}

func checkDiscovery(_ context.Context, cfg *config.Config) CheckResult {
	if !cfg.Discovery.MDNS {
		return CheckResult{Status: StatusPass, Message: "disabled"}
	}
	if !discovery.Available {
		return CheckResult{
			Status:  StatusWarn,
			Message: "discovery.mdns is on but this build has no mDNS support",
			Fix:     "Rebuild with -tags mdns",
		}
	}
	return CheckResult{Status: StatusPass, Message: "browsing " + cfg.Discovery.Service}
}
