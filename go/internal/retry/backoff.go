package retry

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// Backoff is a deterministic exponential reconnect policy.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultBackoff returns the reconnect policy shared by the stream clients
func DefaultBackoff() Backoff {
	return Backoff{
		Base:        2 * time.Second,
		Max:         30 * time.Second,
		MaxAttempts: 5,
	}
}

// Delay returns the wait before the given 1-based attempt: Base, 2*Base,
// 4*Base... capped at Max.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Exhausted reports whether attempt is past the allowed count.
func (b Backoff) Exhausted(attempt int) bool {
	return b.MaxAttempts > 0 && attempt > b.MaxAttempts
}

// Sleep waits d on clock or returns ctx.Err() if ctx ends first.
func Sleep(ctx context.Context, clock clockwork.Clock, d time.Duration) error {
	timer := clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.Chan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
