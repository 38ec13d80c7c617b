package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsdeck/internal/domain"
	"opsdeck/internal/infra/config"
)

func TestSplitArgs(t *testing.T) {
	t.Setenv("OPSDECK_CONFIG", "")

	path, rest := splitArgs([]string{"health", "--config", "/etc/o.yaml", `{"a":1}`})
	assert.Equal(t, "/etc/o.yaml", path)
	assert.Equal(t, []string{"health", `{"a":1}`}, rest)

	path, rest = splitArgs([]string{"--config=x.yaml"})
	assert.Equal(t, "x.yaml", path)
	assert.Empty(t, rest)

	path, _ = splitArgs(nil)
	assert.Equal(t, "opsdeck.yaml", path)

	t.Setenv("OPSDECK_CONFIG", "/env.yaml")
	path, _ = splitArgs([]string{"agent"})
	assert.Equal(t, "/env.yaml", path)
}

func TestGatewayOptionsFromConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Gateway.Token = "tok"
	cfg.Gateway.Password = "local"
	cfg.Gateway.Reconnect.MaxAttempts = 4

	opts := gatewayOptions(cfg)
	assert.Equal(t, "tok", opts.Token)
	assert.Equal(t, "local", opts.Password)
	assert.Equal(t, domain.ClientDescriptor{ID: "opsdeck", Version: "dev", Platform: "cli", Mode: "operator"}, opts.Client)
	assert.Equal(t, 4, opts.Backoff.MaxAttempts)
	assert.Equal(t, 1.5, opts.Backoff.Growth)
	assert.Equal(t, 30*time.Second, opts.RequestTimeout)
	assert.Equal(t, []string{"operator.read", "operator.write"}, opts.Scopes)
}

func TestProxyOptionsFromConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Gateway.URL = "wss://gw.example.com"
	cfg.Gateway.Token = "tok"
	cfg.Proxy.LocalSecret = "s3cret"
	cfg.Proxy.RateLimit.Burst = 7

	opts := proxyOptions(cfg)
	assert.Equal(t, "wss://gw.example.com", opts.GatewayURL)
	assert.Equal(t, "tok", opts.GatewayToken)
	assert.Equal(t, "s3cret", opts.LocalSecret)
	assert.Equal(t, "/ws", opts.Path)
	assert.Equal(t, 7, opts.RateLimit.BurstSize)
	assert.EqualValues(t, 5, opts.Breaker.MaxFailures)
}

func TestSealValue(t *testing.T) {
	sealed, err := sealValue("token-value", "pass")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(sealed, config.EncryptedPrefix))

	plain, err := config.DecryptValue(strings.TrimPrefix(sealed, config.EncryptedPrefix), "pass")
	require.NoError(t, err)
	assert.Equal(t, "token-value", plain)

	_, err = sealValue("", "pass")
	assert.Error(t, err)
}

func TestReadLine(t *testing.T) {
	v, err := readLine(strings.NewReader("secret\r\nignored\n"))
	require.NoError(t, err)
	assert.Equal(t, "secret", v)

	v, err = readLine(strings.NewReader("no-newline"))
	require.NoError(t, err)
	assert.Equal(t, "no-newline", v)
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printJSON(&buf, json.RawMessage(`{"ok":true,"n":[1,2]}`)))
	assert.Equal(t, "{\n  \"ok\": true,\n  \"n\": [\n    1,\n    2\n  ]\n}\n", buf.String())

	buf.Reset()
	require.NoError(t, printJSON(&buf, nil))
	assert.Equal(t, "null\n", buf.String())
}

func TestEventPrinter(t *testing.T) {
	var buf bytes.Buffer
	newEventPrinter(&buf).print(domain.Event{Name: "agent", Payload: json.RawMessage(`{"run":"r1"}`)})

	var line struct {
		Event   string          `json:"event"`
		Payload json.RawMessage `json:"payload"`
		At      time.Time       `json:"at"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "agent", line.Event)
	assert.JSONEq(t, `{"run":"r1"}`, string(line.Payload))
	assert.False(t, line.At.IsZero())
}
