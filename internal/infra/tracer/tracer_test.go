package tracer

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"

	"opsdeck/internal/infra/config"
)

func TestSetupInstallsNoop(t *testing.T) {
	for _, cfg := range []config.TracerConfig{
		{Enabled: false, Exporter: "stdout"},
		{Enabled: true, Exporter: "noop"},
		{Enabled: true, Exporter: ""},
	} {
		shutdown, err := Setup(context.Background(), cfg)
		if err != nil {
			t.Fatalf("Setup(%+v): %v", cfg, err)
		}
		if _, ok := otel.GetTracerProvider().(noop.TracerProvider); !ok {
			t.Errorf("Setup(%+v): provider = %T, want noop", cfg, otel.GetTracerProvider())
		}
		_ = shutdown(context.Background())
	}
}

func TestSetupStdoutWritesSpans(t *testing.T) {
	var buf bytes.Buffer
	prev := Output
	Output = &buf
	t.Cleanup(func() {
		Output = prev
		otel.SetTracerProvider(noop.NewTracerProvider())
	})

	shutdown, err := Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: "stdout"})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}

	_, span := StartSpan(context.Background(), "gateway.request")
	span.SetAttributes(StringAttr("method", "health"), IntAttr("attempt", 1))
	SetOK(span)
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "gateway.request") || !strings.Contains(out, "health") {
		t.Errorf("exported span missing fields:\n%s", out)
	}
}

func TestSetupUnsupportedExporter(t *testing.T) {
	if _, err := Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: "jaeger"}); err == nil {
		t.Error("expected error for unsupported exporter")
	}
}

func TestHelpersOnNoopSpan(t *testing.T) {
	otel.SetTracerProvider(noop.NewTracerProvider())

	ctx, span := StartSpan(context.Background(), "proxy.pair")
	if ctx == nil {
		t.Fatal("nil context")
	}
	RecordError(span, errors.New("dial refused"))
	SetOK(span)
	span.End()

	if kv := StringAttr("pair_id", "p1"); string(kv.Key) != "pair_id" || kv.Value.AsString() != "p1" {
		t.Errorf("StringAttr = %v", kv)
	}
	if kv := IntAttr("n", 3); kv.Value.AsInt64() != 3 {
		t.Errorf("IntAttr = %v", kv)
	}
}
