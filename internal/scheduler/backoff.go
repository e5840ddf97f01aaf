package scheduler

import (
	"math/rand"
	"time"
)

// retryDelay computes the wait before re-dispatching a failed attempt using
// exponential backoff with full jitter. attempt is 1-based: the delay window
// after the first failure is [0, base], doubling each attempt up to cap.
func retryDelay(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	window := base
	for i := 1; i < attempt; i++ {
		window *= 2
		if window >= cap {
			window = cap
			break
		}
	}
	if window > cap {
		window = cap
	}
	if window <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(window) + 1))
}
