package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the gateway connection and the proxy.
var (
	ErrNotConnected       = fmt.Errorf("not connected")
	ErrTimeout            = fmt.Errorf("request timed out")
	ErrRemote             = fmt.Errorf("remote error")
	ErrConnectionLost     = fmt.Errorf("connection lost")
	ErrAuthRejected       = fmt.Errorf("handshake rejected")
	ErrProxyAuthFailed    = fmt.Errorf("proxy: local secret mismatch")
	ErrReconnectExhausted = fmt.Errorf("reconnect attempts exhausted")
	ErrMalformedFrame     = fmt.Errorf("malformed frame")
	ErrGatewayUnavailable = fmt.Errorf("gateway unavailable")
	ErrClosed             = fmt.Errorf("client closed")

	// Category sentinels used by the supporting packages.
	ErrNotFound     = fmt.Errorf("not found")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrConfigLoad   = fmt.Errorf("failed to load configuration")
	ErrDecryption   = fmt.Errorf("decryption failed")
	ErrJournal      = fmt.Errorf("journal operation failed")
	ErrAuditWrite   = fmt.Errorf("audit write failed")
)

// RemoteError is a Response with ok:false. It matches ErrRemote with errors.Is.
type RemoteError struct {
	Method  string
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	if e.Method != "" {
		return fmt.Sprintf("%s: remote error %d: %s", e.Method, e.Code, e.Message)
	}
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// Is reports whether target is ErrRemote.
func (e *RemoteError) Is(target error) bool { return target == ErrRemote }

// NewRemoteError builds a RemoteError from a failed response.
func NewRemoteError(method string, resp *Response) *RemoteError {
	re := &RemoteError{Method: method}
	if resp.Error != nil {
		re.Code = resp.Error.Code
		re.Message = resp.Error.Message
	}
	return re
}

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Client.Request")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category for logs and metrics.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeNotConnected       ErrorCode = "NOT_CONNECTED"
	CodeTimeout            ErrorCode = "TIMEOUT"
	CodeRemote             ErrorCode = "REMOTE_ERROR"
	CodeConnectionLost     ErrorCode = "CONNECTION_LOST"
	CodeAuthRejected       ErrorCode = "AUTH_REJECTED"
	CodeProxyAuthFailed    ErrorCode = "PROXY_AUTH_FAILED"
	CodeReconnectExhausted ErrorCode = "RECONNECT_EXHAUSTED"
	CodeMalformedFrame     ErrorCode = "MALFORMED_FRAME"
	CodeGatewayUnavailable ErrorCode = "GATEWAY_UNAVAILABLE"
	CodeClosed             ErrorCode = "CLOSED"
)

// errorCodes is ordered so that the more specific sentinel wins when an error
// wraps several (ErrAuthRejected wraps a RemoteError, for instance).
var errorCodes = []struct {
	err  error
	code ErrorCode
}{
	{ErrAuthRejected, CodeAuthRejected},
	{ErrProxyAuthFailed, CodeProxyAuthFailed},
	{ErrReconnectExhausted, CodeReconnectExhausted},
	{ErrNotConnected, CodeNotConnected},
	{ErrTimeout, CodeTimeout},
	{ErrConnectionLost, CodeConnectionLost},
	{ErrMalformedFrame, CodeMalformedFrame},
	{ErrGatewayUnavailable, CodeGatewayUnavailable},
	{ErrClosed, CodeClosed},
	{ErrRemote, CodeRemote},
}

// ErrorCodeOf returns the machine-parseable code for err, or CodeUnknown.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return CodeUnknown
}
