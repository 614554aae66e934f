package reconcile

import (
	"context"
	"math/rand"
	"time"
)

// defaultRand feeds backoff jitter.
var defaultRand = rand.Float64

// backoffDelay returns the delay before retry attempt n (n >= 1): base doubled
// per attempt, capped, then jittered by up to +/- jitter fraction. rnd must
// return a value in [0, 1).
func backoffDelay(base, ceiling time.Duration, jitter float64, attempt int, rnd func() float64) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceiling {
			d = ceiling
			break
		}
	}
	if d > ceiling {
		d = ceiling
	}
	if jitter > 0 {
		// Spread over [d*(1-jitter), d*(1+jitter)].
		spread := float64(d) * jitter
		d = time.Duration(float64(d) - spread + rnd()*2*spread)
	}
	if d < 0 {
		d = 0
	}
	return d
}

// sleepCtx waits out d or returns early with the context's error.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
