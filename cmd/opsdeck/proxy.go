package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"opsdeck/internal/adapter/audit"
	"opsdeck/internal/adapter/proxy"
	"opsdeck/internal/infra/config"
	"opsdeck/internal/infra/logger"
	"opsdeck/internal/infra/middleware"
)

func runProxy(args []string) error {
	cfgPath, _ := splitArgs(args)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	env, err := bootstrap(ctx, cfgPath, false)
	if err != nil {
		return err
	}
	defer env.cleanup()

	if err := config.ValidateProxy(env.cfg); err != nil {
		return err
	}

	opts := proxyOptions(env.cfg)
	if env.cfg.Proxy.Audit.Path != "" {
		al, err := openAudit(ctx, env.cfg.Proxy.Audit, env.log)
		if err != nil {
			return err
		}
		defer al.Close()
		opts.Audit = al
	}

	srv := proxy.NewServer(opts, nil, logger.Component(env.log, "proxy"))
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("proxy: %w", err)
	}
	env.log.Info("proxy stopped")
	return nil
}

// auditSweep is how often the audit retention policy is applied.
const auditSweep = time.Hour

// openAudit opens the audit log, applies its retention policy once, and keeps
// applying it until ctx ends.
func openAudit(ctx context.Context, cfg config.AuditConfig, log *slog.Logger) (*audit.FileLogger, error) {
	maxSize, err := audit.ParseSize(cfg.MaxSize)
	if err != nil {
		return nil, fmt.Errorf("proxy.audit.max_size: %w", err)
	}
	al, err := audit.NewFileLogger(cfg.Path)
	if err != nil {
		return nil, err
	}
	al.SetRetention(audit.RetentionPolicy{MaxAge: cfg.MaxAge, MaxSize: maxSize})

	sweep := func() {
		if n, err := al.EnforceRetention(ctx); err != nil {
			log.Warn("audit retention failed", "error", err)
		} else if n > 0 {
			log.Info("audit entries pruned", "removed", n)
		}
	}
	sweep()
	go func() {
		t := time.NewTicker(auditSweep)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				sweep()
			}
		}
	}()
	return al, nil
}

// proxyOptions maps config onto proxy.Options. The proxy dials the gateway
// named in the gateway section with its token.
func proxyOptions(cfg *config.Config) proxy.Options {
	p := cfg.Proxy
	return proxy.Options{
		Addr:           p.Addr,
		Path:           p.Path,
		GatewayURL:     cfg.Gateway.URL,
		GatewayToken:   cfg.Gateway.Token,
		LocalSecret:    p.LocalSecret,
		Origin:         p.Origin,
		AllowedOrigins: p.AllowedOrigins,
		AllowAnyOrigin: p.AllowAnyOrigin,
		StaticDir:      p.StaticDir,
		ReadLimit:      p.ReadLimit,
		DialTimeout:    p.DialTimeout,
		Breaker: proxy.BreakerOptions{
			MaxFailures: p.Breaker.MaxFailures,
			Timeout:     p.Breaker.Timeout,
			Interval:    p.Breaker.Interval,
		},
		RateLimit: middleware.RateLimitConfig{
			RequestsPerMin: p.RateLimit.RequestsPerMin,
			BurstSize:      p.RateLimit.Burst,
			TrustedProxies: p.RateLimit.TrustedProxies,
		},
	}
}
