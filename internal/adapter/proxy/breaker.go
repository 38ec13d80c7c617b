package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"opsdeck/internal/domain"
)

// Default breaker settings.
const (
	defaultBreakerMaxFailures uint32 = 5
	defaultBreakerTimeout            = 30 * time.Second
	defaultBreakerInterval           = 60 * time.Second
)

// BreakerOptions configures the circuit breaker around gateway dials.
type BreakerOptions struct {
	// MaxFailures is the number of consecutive dial failures that opens the circuit.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before a trial dial.
	Timeout time.Duration
	// Interval clears failure counts while closed. 0 keeps them until the circuit opens.
	Interval time.Duration
}

// breakerDialer fails fast while the gateway is refusing connections, so a
// burst of consumers does not turn into a burst of doomed dials.
type breakerDialer struct {
	inner   domain.Dialer
	breaker *gobreaker.CircuitBreaker[domain.Transport]
}

func newBreakerDialer(inner domain.Dialer, opts BreakerOptions, logger *slog.Logger) *breakerDialer {
	if opts.MaxFailures == 0 {
		opts.MaxFailures = defaultBreakerMaxFailures
	}
	if opts.Timeout == 0 {
		opts.Timeout = defaultBreakerTimeout
	}
	if opts.Interval == 0 {
		opts.Interval = defaultBreakerInterval
	}

	cb := gobreaker.NewCircuitBreaker[domain.Transport](gobreaker.Settings{
		Name:        "gateway-dial",
		MaxRequests: 1,
		Interval:    opts.Interval,
		Timeout:     opts.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("proxy: circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// A consumer that leaves mid-dial says nothing about the gateway.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return &breakerDialer{inner: inner, breaker: cb}
}

// Dial implements domain.Dialer.
func (b *breakerDialer) Dial(ctx context.Context) (domain.Transport, error) {
	t, err := b.breaker.Execute(func() (domain.Transport, error) {
		return b.inner.Dial(ctx)
	})
	if err != nil {
		if isBreakerOpen(err) {
			return nil, fmt.Errorf("%w: circuit open: %w", domain.ErrGatewayUnavailable, err)
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrGatewayUnavailable, err)
	}
	return t, nil
}

// State returns the breaker state for health reporting.
func (b *breakerDialer) State() gobreaker.State {
	return b.breaker.State()
}

func isBreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
