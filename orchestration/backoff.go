package orchestration

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy computes exponential backoff delays with jitter.
// The delay for attempt n (1-based) is min(Cap, Base * 2^(n-1)), with
// +/-JitterPct applied so synchronized failures do not retry in lockstep.
type RetryPolicy struct {
	Base      time.Duration
	Cap       time.Duration
	JitterPct float64
}

// Delay returns the backoff delay for the given attempt number.
// Attempt numbers start at 1; values below 1 are treated as 1.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	backoff := float64(p.Base) * math.Pow(2, float64(attempt-1))
	if capped := float64(p.Cap); backoff > capped {
		backoff = capped
	}

	if p.JitterPct > 0 {
		// Uniform jitter in [-JitterPct, +JitterPct].
		jitter := 1 + p.JitterPct*(2*rand.Float64()-1)
		backoff *= jitter
	}

	if backoff < 0 {
		backoff = 0
	}
	return time.Duration(backoff)
}

// sleepContext waits for d or until the context is cancelled, whichever
// comes first. Returns the context error on cancellation.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
