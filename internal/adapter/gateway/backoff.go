package gateway

import (
	"math"
	"time"
)

// Backoff is the reconnect schedule: attempt n waits min(Base*Growth^n, Cap),
// and no reconnect is scheduled once MaxAttempts have been used.
type Backoff struct {
	Base        time.Duration
	Growth      float64
	Cap         time.Duration
	MaxAttempts int
}

// DefaultBackoff returns 1s growing by 1.5x up to 30s, 15 attempts.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:        time.Second,
		Growth:      1.5,
		Cap:         30 * time.Second,
		MaxAttempts: 15,
	}
}

// Delay returns the wait before reconnect attempt n (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(b.Base) * math.Pow(b.Growth, float64(attempt))
	if math.IsInf(d, 0) || math.IsNaN(d) || d > float64(b.Cap) {
		return b.Cap
	}
	return time.Duration(d)
}

func (b Backoff) withDefaults() Backoff {
	def := DefaultBackoff()
	if b.Base <= 0 {
		b.Base = def.Base
	}
	if b.Growth < 1 {
		b.Growth = def.Growth
	}
	if b.Cap <= 0 {
		b.Cap = def.Cap
	}
	if b.Cap < b.Base {
		b.Cap = b.Base
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = def.MaxAttempts
	}
	return b
}
