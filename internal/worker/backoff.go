package worker

import (
	"math"
	"math/rand"
	"time"
)

// Backoff returns the delay before retry attempt n (zero-based), using
// exponential growth with full jitter. The exponential curve spaces
// retries out; the jitter spreads a burst of simultaneous failures so
// they do not come back as a synchronized thundering herd.
func Backoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		base = 2 * time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 5 * time.Minute
	}
	if attempt < 0 {
		attempt = 0
	}

	ceiling := float64(base) * math.Pow(2, float64(attempt))
	if ceiling > float64(maxDelay) {
		ceiling = float64(maxDelay)
	}

	d := time.Duration(rand.Float64() * ceiling)
	if d < 500*time.Millisecond {
		d = 500 * time.Millisecond
	}
	return d
}
