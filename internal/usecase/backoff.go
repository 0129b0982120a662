package usecase

import (
	"math"
	"math/rand"
	"time"
)

// retryDelay returns base*2^(attempt-1) capped at max, with +-10% jitter.
// A zero base disables backoff and the job is due again on the next cycle.
func retryDelay(attempt int, base, max time.Duration, rnd func() float64) time.Duration {
	if base <= 0 || attempt <= 0 {
		return 0
	}
	d := float64(base) * math.Pow(2, float64(attempt-1))
	if max > 0 && d > float64(max) {
		d = float64(max)
	}
	if rnd != nil {
		d += d * 0.1 * (2*rnd() - 1)
	}
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

func defaultJitter() float64 { return rand.Float64() }
