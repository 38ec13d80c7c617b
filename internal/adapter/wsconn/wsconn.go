// Package wsconn adapts nhooyr.io/websocket connections to domain.Transport.
package wsconn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"opsdeck/internal/domain"
)

// DefaultReadLimit caps a single inbound message. Gateway snapshots (session
// lists, cost tables) routinely exceed the library's 32 KiB default.
const DefaultReadLimit int64 = 4 << 20

const defaultWriteTimeout = 5 * time.Second

// DefaultCloseTimeout bounds how long Close waits for the peer to answer the
// close frame.
const DefaultCloseTimeout = time.Second

// ErrCloseTimeout is returned by Close when the peer did not complete the
// close handshake in time. The connection is torn down regardless.
var ErrCloseTimeout = errors.New("wsconn: close handshake timed out")

// Conn is a domain.Transport backed by a websocket connection.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	closeTimeout time.Duration

	// abort is cancelled when Close gives up on the peer. Reads in flight
	// are cancelled with it, which drops the underlying connection.
	abort     context.Context
	stopReads context.CancelFunc
}

// Wrap adapts an already-open websocket connection.
func Wrap(ws *websocket.Conn, readLimit int64) *Conn {
	return wrap(ws, readLimit, 0)
}

func wrap(ws *websocket.Conn, readLimit int64, closeTimeout time.Duration) *Conn {
	if readLimit <= 0 {
		readLimit = DefaultReadLimit
	}
	if closeTimeout <= 0 {
		closeTimeout = DefaultCloseTimeout
	}
	ws.SetReadLimit(readLimit)
	abort, stop := context.WithCancel(context.Background())
	return &Conn{
		ws:           ws,
		writeTimeout: defaultWriteTimeout,
		closeTimeout: closeTimeout,
		abort:        abort,
		stopReads:    stop,
	}
}

// Read blocks until the next message arrives. Text and binary messages are
// both returned as-is.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.abort, cancel)
	defer stop()

	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Write sends data as one text message. The gateway protocol is text only,
// so a binary message read from one peer goes out to the other as text.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	wctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	return c.ws.Write(wctx, websocket.MessageText, data)
}

// Close sends a close frame with code and reason and waits up to the close
// timeout for the peer to answer. A peer that is not reading is cut off:
// pending and later Reads fail at once and the library finishes the
// teardown in the background.
func (c *Conn) Close(code domain.StatusCode, reason string) error {
	done := make(chan error, 1)
	go func() { done <- c.ws.Close(websocket.StatusCode(code), reason) }()

	timer := time.NewTimer(c.closeTimeout)
	defer timer.Stop()
	defer c.stopReads()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return ErrCloseTimeout
	}
}

// CloseStatus extracts the close code from an error returned by Read, or -1
// when the connection did not end with a close frame.
func CloseStatus(err error) domain.StatusCode {
	return domain.StatusCode(websocket.CloseStatus(err))
}

// IsNormalClose reports whether err is a clean close initiated by either side.
func IsNormalClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return errors.Is(err, context.Canceled)
}

// DialOptions configures outbound connections.
type DialOptions struct {
	// Origin is sent as the Origin header. Gateways that check origin
	// reject connections without it.
	Origin       string
	Header       http.Header
	ReadLimit    int64
	CloseTimeout time.Duration
	// HTTPClient overrides the client used for the upgrade request.
	HTTPClient *http.Client
}

// Dialer opens websocket connections to a fixed URL.
type Dialer struct {
	url  string
	opts DialOptions
}

// NewDialer returns a Dialer for url.
func NewDialer(url string, opts DialOptions) *Dialer {
	return &Dialer{url: url, opts: opts}
}

// URL returns the target address.
func (d *Dialer) URL() string { return d.url }

// Dial implements domain.Dialer.
func (d *Dialer) Dial(ctx context.Context) (domain.Transport, error) {
	header := http.Header{}
	for k, vs := range d.opts.Header {
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	if d.opts.Origin != "" {
		header.Set("Origin", d.opts.Origin)
	}

	ws, resp, err := websocket.Dial(ctx, d.url, &websocket.DialOptions{
		HTTPHeader: header,
		HTTPClient: d.opts.HTTPClient,
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", d.url, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", d.url, err)
	}
	return wrap(ws, d.opts.ReadLimit, d.opts.CloseTimeout), nil
}

// AcceptOptions configures inbound upgrades.
type AcceptOptions struct {
	// OriginPatterns lists host patterns allowed in the Origin header in
	// addition to same-origin requests.
	OriginPatterns []string
	// InsecureSkipVerify disables origin checking entirely.
	InsecureSkipVerify bool
	ReadLimit          int64
	CloseTimeout       time.Duration
}

// Accept upgrades an HTTP request. On failure the response has already been
// written.
func Accept(w http.ResponseWriter, r *http.Request, opts AcceptOptions) (*Conn, error) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     opts.OriginPatterns,
		InsecureSkipVerify: opts.InsecureSkipVerify,
	})
	if err != nil {
		return nil, err
	}
	return wrap(ws, opts.ReadLimit, opts.CloseTimeout), nil
}

var (
	_ domain.Transport = (*Conn)(nil)
	_ domain.Dialer    = (*Dialer)(nil)
)
