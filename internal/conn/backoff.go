package conn

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Backoff controls reconnect delays: Initial * Multiplier^(n-1), scaled by a
// random factor in [1-Jitter, 1+Jitter] and capped at Max. MaxRetries
// bounds reconnects per turn; the first connection is not a retry.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
	MaxRetries int
}

// DefaultBackoff returns 500ms initial, 2x growth, 10s cap, 20% jitter and
// 3 retries.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    500 * time.Millisecond,
		Max:        10 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.2,
		MaxRetries: 3,
	}
}

// Bounds returns the closed interval Delay(retry) falls in.
func (b Backoff) Bounds(retry int) (time.Duration, time.Duration) {
	base := b.base(retry)
	lo := min(base*(1-b.jitter()), float64(b.Max))
	hi := min(base*(1+b.jitter()), float64(b.Max))
	return time.Duration(lo), time.Duration(hi)
}

// Delay returns the jittered wait before retry n (1-indexed).
func (b Backoff) Delay(retry int) time.Duration {
	d := b.base(retry)
	if j := b.jitter(); j > 0 {
		d *= 1 - j + 2*j*rand.Float64() //nolint:gosec // jitter does not need a CSPRNG
	}
	return time.Duration(min(d, float64(b.Max)))
}

func (b Backoff) base(retry int) float64 {
	if retry < 1 {
		retry = 1
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	return min(float64(b.Initial)*math.Pow(mult, float64(retry-1)), float64(b.Max))
}

func (b Backoff) jitter() float64 {
	return max(0, min(b.Jitter, 1))
}

// sleep waits for d or until ctx is done, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}
