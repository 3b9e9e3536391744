// Package scheduler — backoff.go
//
// Full-jitter exponential delays for the two backoff paths:
//
//	permit rejection / IPC failure: uniform(0, min(cap, base·2^count))
//	retry after classified failure: same formula, its own base and cap
//
// Full jitter keeps a burst of rejected jobs from re-arriving in step;
// the expectation still doubles per attempt until the cap.
package scheduler

import (
	"math/rand/v2"
	"time"
)

// fullJitter computes uniform(0, min(maxDelay, baseDelay·2^count)).
func fullJitter(baseDelay, maxDelay time.Duration, count int) time.Duration {
	ceil := maxDelay
	if count < 63 {
		d := baseDelay << uint(count)
		if d > 0 && d < maxDelay {
			ceil = d
		}
	}
	if ceil <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(ceil) + 1))
}
