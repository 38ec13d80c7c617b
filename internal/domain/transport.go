package domain

import "context"

// StatusCode is a websocket-style close code.
type StatusCode int

// Close codes used across the repo.
const (
	StatusNormalClosure   StatusCode = 1000
	StatusGoingAway       StatusCode = 1001
	StatusInternalError   StatusCode = 1011
	StatusTryAgainLater   StatusCode = 1013
	StatusProxyAuthFailed StatusCode = CloseProxyAuthFailed
	StatusHandshakeFailed StatusCode = CloseHandshakeFailed
)

// Transport is one open, message-framed socket. Write and Close must be safe
// for concurrent use; Read is only ever called from one goroutine.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(code StatusCode, reason string) error
}

// Dialer opens a Transport to a fixed remote.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Transport, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context) (Transport, error) { return f(ctx) }
