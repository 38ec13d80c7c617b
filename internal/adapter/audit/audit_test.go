package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"opsdeck/internal/domain"
)

func newTestLogger(t *testing.T) (*FileLogger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit", "proxy.jsonl")
	l, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}
	return l, path
}

func readEvents(t *testing.T, path string) []domain.AuditEvent {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	var out []domain.AuditEvent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev domain.AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("line %d invalid JSON: %v", len(out), err)
		}
		out = append(out, ev)
	}
	return out
}

func TestFileLoggerWriteAndRead(t *testing.T) {
	l, path := newTestLogger(t)

	err := l.Log(context.Background(), domain.AuditEvent{
		Type:     domain.AuditAuthFailure,
		Actor:    "127.0.0.1:5000",
		Resource: "01J0PAIR",
		Outcome:  "denied",
		Detail:   map[string]string{"reason": "local secret mismatch"},
	})
	if err != nil {
		t.Fatalf("Log: %v", err)
	}
	l.Close()

	events := readEvents(t, path)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.Type != domain.AuditAuthFailure {
		t.Errorf("Type = %q", ev.Type)
	}
	if ev.Actor != "127.0.0.1:5000" || ev.Resource != "01J0PAIR" || ev.Outcome != "denied" {
		t.Errorf("unexpected event %+v", ev)
	}
	if ev.Detail["reason"] != "local secret mismatch" {
		t.Errorf("Detail[reason] = %q", ev.Detail["reason"])
	}
	if ev.Timestamp.IsZero() {
		t.Error("timestamp not filled in")
	}
}

func TestFileLoggerConcurrentWrites(t *testing.T) {
	l, path := newTestLogger(t)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Log(context.Background(), domain.AuditEvent{Type: domain.AuditPairOpen, Resource: fmt.Sprint(i)})
		}()
	}
	wg.Wait()
	l.Close()

	if got := len(readEvents(t, path)); got != n {
		t.Errorf("expected %d lines, got %d", n, got)
	}
}

func TestFileLoggerPermissions(t *testing.T) {
	l, path := newTestLogger(t)
	l.Log(context.Background(), domain.AuditEvent{Type: domain.AuditPairOpen})
	l.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("file permissions = %o, want 0600", perm)
	}
}

func TestFileLoggerWriteAfterClose(t *testing.T) {
	l, _ := newTestLogger(t)
	l.Close()

	err := l.Log(context.Background(), domain.AuditEvent{Type: domain.AuditPairClose})
	if !errors.Is(err, domain.ErrAuditWrite) {
		t.Errorf("err = %v, want ErrAuditWrite", err)
	}
}

func TestFileLoggerMirrorsOntoSpan(t *testing.T) {
	l, _ := newTestLogger(t)
	defer l.Close()

	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer tp.Shutdown(context.Background())

	ctx, span := tp.Tracer("test").Start(context.Background(), "proxy.pair")
	l.Log(ctx, domain.AuditEvent{
		Type:    domain.AuditAuthFailure,
		Outcome: "denied",
		Detail:  map[string]string{"remote": "10.0.0.1"},
	})
	span.End()

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("got %d spans", len(ended))
	}
	events := ended[0].Events()
	if len(events) != 1 || events[0].Name != "audit.auth_failure" {
		t.Fatalf("span events = %+v", events)
	}
	if len(events[0].Attributes) != 2 {
		t.Errorf("attributes = %v", events[0].Attributes)
	}
}

func writeLines(t *testing.T, l *FileLogger, stamps ...time.Time) {
	t.Helper()
	for i, ts := range stamps {
		if err := l.Log(context.Background(), domain.AuditEvent{Timestamp: ts, Type: domain.AuditPairOpen, Resource: fmt.Sprint(i)}); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}
}

func TestEnforceRetentionMaxAge(t *testing.T) {
	l, path := newTestLogger(t)
	now := time.Now().UTC()
	writeLines(t, l, now.Add(-48*time.Hour), now.Add(-36*time.Hour), now.Add(-time.Hour))

	l.SetRetention(RetentionPolicy{MaxAge: 24 * time.Hour})
	removed, err := l.EnforceRetention(context.Background())
	if err != nil {
		t.Fatalf("EnforceRetention: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}

	// Still appendable after the rewrite.
	writeLines(t, l, now)
	l.Close()

	events := readEvents(t, path)
	if len(events) != 2 || events[0].Resource != "2" {
		t.Errorf("kept %+v", events)
	}
}

func TestEnforceRetentionMaxSize(t *testing.T) {
	l, path := newTestLogger(t)
	now := time.Now().UTC()
	writeLines(t, l, now, now, now, now)

	info, _ := os.Stat(path)
	line := info.Size() / 4

	l.SetRetention(RetentionPolicy{MaxSize: line * 2})
	removed, err := l.EnforceRetention(context.Background())
	if err != nil {
		t.Fatalf("EnforceRetention: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	l.Close()

	events := readEvents(t, path)
	if len(events) != 2 || events[0].Resource != "2" {
		t.Errorf("kept %+v", events)
	}
}

func TestEnforceRetentionWithoutPolicy(t *testing.T) {
	l, _ := newTestLogger(t)
	defer l.Close()
	writeLines(t, l, time.Now().Add(-1000*time.Hour))

	removed, err := l.EnforceRetention(context.Background())
	if err != nil || removed != 0 {
		t.Errorf("removed=%d err=%v", removed, err)
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
		err  bool
	}{
		{"", 0, false},
		{"512", 512, false},
		{"10B", 10, false},
		{"4kb", 4096, false},
		{"100MB", 100 << 20, false},
		{" 1GB ", 1 << 30, false},
		{"lots", 0, true},
		{"-1MB", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		if tt.err {
			if !errors.Is(err, domain.ErrInvalidInput) {
				t.Errorf("ParseSize(%q) err = %v, want ErrInvalidInput", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseSize(%q) = %d, %v; want %d", tt.in, got, err, tt.want)
		}
	}
}
