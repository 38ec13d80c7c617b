package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"opsdeck/internal/adapter/gateway"
	"opsdeck/internal/adapter/journal"
	"opsdeck/internal/adapter/wsconn"
	"opsdeck/internal/domain"
	"opsdeck/internal/infra/config"
	"opsdeck/internal/infra/logger"
)

// gatewayOptions maps config onto gateway.Options.
func gatewayOptions(cfg *config.Config) gateway.Options {
	g := cfg.Gateway
	return gateway.Options{
		Client: domain.ClientDescriptor{
			ID:       g.Client.ID,
			Version:  g.Client.Version,
			Platform: g.Client.Platform,
			Mode:     g.Client.Mode,
		},
		Role:             g.Role,
		Scopes:           g.Scopes,
		Token:            g.Token,
		Password:         g.Password,
		MinProtocol:      g.MinProtocol,
		MaxProtocol:      g.MaxProtocol,
		RequestTimeout:   g.RequestTimeout,
		HandshakeTimeout: g.HandshakeTimeout,
		DialTimeout:      g.DialTimeout,
		Backoff: gateway.Backoff{
			Base:        g.Reconnect.Base,
			Growth:      g.Reconnect.Growth,
			Cap:         g.Reconnect.Cap,
			MaxAttempts: g.Reconnect.MaxAttempts,
		},
	}
}

func newClient(cfg *config.Config, log *slog.Logger) *gateway.Client {
	dialer := wsconn.NewDialer(cfg.Gateway.URL, wsconn.DialOptions{Origin: cfg.Gateway.Origin})
	return gateway.New(dialer, nil, gatewayOptions(cfg), logger.Component(log, "gateway"))
}

// firstConnect waits for the first cycle to finish. Unlike WaitConnected it
// fails on the first drop, so a bad credential is reported at once.
func firstConnect(ctx context.Context, c *gateway.Client) error {
	done := make(chan error, 1)
	unsub := c.OnStatus(func(s gateway.Status) {
		var err error
		switch {
		case s.State == gateway.StateConnected:
		case s.State == gateway.StateClosed && s.Err != nil:
			err = s.Err
		default:
			return
		}
		select {
		case done <- err:
		default:
		}
	})
	defer unsub()

	c.Connect()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func runCall(args []string) error {
	cfgPath, rest := splitArgs(args)
	if len(rest) < 1 || len(rest) > 2 {
		return fmt.Errorf("usage: opsdeck call METHOD [JSON-PARAMS]")
	}
	method := rest[0]
	var params json.RawMessage
	if len(rest) == 2 {
		if !json.Valid([]byte(rest[1])) {
			return fmt.Errorf("params are not valid JSON: %s", rest[1])
		}
		params = json.RawMessage(rest[1])
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	env, err := bootstrap(ctx, cfgPath, false)
	if err != nil {
		return err
	}
	defer env.cleanup()

	client := newClient(env.cfg, env.log)
	defer client.Close()

	connectCtx, connectCancel := context.WithTimeout(ctx, env.cfg.Gateway.DialTimeout+env.cfg.Gateway.HandshakeTimeout)
	defer connectCancel()
	if err := firstConnect(connectCtx, client); err != nil {
		return fmt.Errorf("connect %s: %w", env.cfg.Gateway.URL, err)
	}

	payload, err := client.Request(ctx, method, params)
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, payload)
}

func printJSON(w io.Writer, payload json.RawMessage) error {
	if len(payload) == 0 {
		_, err := fmt.Fprintln(w, "null")
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, payload, "", "  "); err != nil {
		buf.Reset()
		buf.Write(payload)
	}
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}

func runWatch(args []string) error {
	cfgPath, names := splitArgs(args)
	if len(names) == 0 {
		names = []string{domain.WildcardEvent}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	env, err := bootstrap(ctx, cfgPath, false)
	if err != nil {
		return err
	}
	defer env.cleanup()

	client := newClient(env.cfg, env.log)
	defer client.Close()

	if env.cfg.Journal.Enabled {
		store, err := journal.Open(env.cfg.Journal.Path, logger.Component(env.log, "journal"))
		if err != nil {
			return err
		}
		defer store.Close()
		if r := env.cfg.Journal.Retention; r > 0 {
			if _, err := store.Prune(ctx, time.Now().Add(-r)); err != nil {
				env.log.Warn("journal prune failed", "error", err)
			}
		}
		rec := store.Record(client, 0)
		defer rec.Stop()
	}

	out := newEventPrinter(os.Stdout)
	for _, name := range names {
		defer client.Subscribe(name, out.print)()
	}
	stopped := make(chan error, 1)
	client.OnStatus(func(s gateway.Status) {
		attrs := []any{"state", s.State.String(), "attempt", s.Attempt}
		if s.Delay > 0 {
			attrs = append(attrs, "retry_in", s.Delay)
		}
		if s.Err != nil {
			attrs = append(attrs, "error", s.Err)
		}
		env.log.Info("gateway status", attrs...)
		if s.Terminal {
			select {
			case stopped <- s.Err:
			default:
			}
			cancel()
		}
	})

	client.Connect()
	<-ctx.Done()
	select {
	case err := <-stopped:
		return err
	default:
		return nil
	}
}

// eventPrinter writes one JSON line per event.
type eventPrinter struct {
	enc *json.Encoder
}

func newEventPrinter(w io.Writer) *eventPrinter {
	return &eventPrinter{enc: json.NewEncoder(w)}
}

func (p *eventPrinter) print(ev domain.Event) {
	line := struct {
		At      time.Time       `json:"at"`
		Event   string          `json:"event"`
		Payload json.RawMessage `json:"payload,omitempty"`
	}{time.Now().UTC(), ev.Name, ev.Payload}
	_ = p.enc.Encode(line)
}
