package usecase

import "time"

// BackoffFunc maps a zero-based attempt number to the delay before the
// next attempt. Pure, so tests can run the full retry sequence without
// wall-clock waits.
type BackoffFunc func(attempt int) time.Duration

// ExponentialBackoff doubles the base delay per attempt up to max.
func ExponentialBackoff(base, max time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		d := base
		for i := 0; i < attempt; i++ {
			d *= 2
			if d >= max {
				return max
			}
		}
		if d > max {
			return max
		}
		return d
	}
}

// NoBackoff retries immediately. Used by tests.
func NoBackoff() BackoffFunc {
	return func(int) time.Duration { return 0 }
}

// DefaultBackoff is the engine's standard schedule: 500ms doubling to 30s.
func DefaultBackoff() BackoffFunc {
	return ExponentialBackoff(500*time.Millisecond, 30*time.Second)
}
