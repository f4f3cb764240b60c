// Package backoff provides retry delay strategies and a bounded retry loop.
// All strategies are stateless and safe for concurrent use.
package backoff

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	Delay(attempt int) time.Duration
}

// Constant always returns the same delay.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// ExponentialWithJitter applies full jitter to an exponential base.
// Delay = random value in [0, min(Initial * 2^(attempt-1), Max)].
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponentialWithJitter creates an exponential backoff with full jitter.
func NewExponentialWithJitter(initial, maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Initial: initial, Max: maxDelay}
}

// Delay returns a random duration in [0, min(Initial * 2^(attempt-1), Max)].
func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	base := float64(e.Initial) * math.Pow(2, float64(max(attempt, 1)-1))
	if e.Max > 0 && base > float64(e.Max) {
		base = float64(e.Max)
	}

	return time.Duration(rand.Float64() * base) //nolint:gosec // jitter does not need crypto rand
}

// Retry calls fn up to attempts times. It stops early when fn succeeds, when
// retryable reports the error as permanent, or when ctx ends. The last error
// is returned wrapped with the attempt count.
func Retry(
	ctx context.Context,
	attempts int,
	strategy Strategy,
	retryable func(error) bool,
	fn func(ctx context.Context) error,
) error {
	attempts = max(attempts, 1)

	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if attempt == attempts || !retryable(lastErr) {
			break
		}

		timer := time.NewTimer(strategy.Delay(attempt))

		select {
		case <-ctx.Done():
			timer.Stop()

			return fmt.Errorf("retry interrupted after %d attempt(s): %w", attempt, lastErr)
		case <-timer.C:
		}
	}

	return lastErr
}
