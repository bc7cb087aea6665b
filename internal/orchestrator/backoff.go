package orchestrator

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Backoff computes exponential wait intervals between provider calls.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter spreads each delay by up to 25% in either direction. The result
	// is still clamped to [Initial, Max].
	Jitter bool
}

// Delay returns min(Initial * Multiplier^n, Max) for the n-th wait, n >= 0.
func (b Backoff) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(b.Initial) * math.Pow(mult, float64(n))
	if b.Max > 0 && (d > float64(b.Max) || math.IsInf(d, 1)) {
		d = float64(b.Max)
	}
	if b.Jitter {
		d *= 0.75 + 0.5*rand.Float64()
	}
	out := time.Duration(d)
	if b.Max > 0 && out > b.Max {
		out = b.Max
	}
	if out < b.Initial {
		out = b.Initial
	}
	return out
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
