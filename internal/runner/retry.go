package runner

import (
	"context"
	"time"
)

// RetryPolicy configures how Retry re-attempts a failing call.
type RetryPolicy struct {
	MaxAttempts int                                        // total attempts including the initial try
	Delay       time.Duration                              // fixed delay between attempts (used if DelayFunc nil)
	ShouldRetry func(error) bool                           // predicate; if nil, all errors retried
	DelayFunc   func(attempt int, err error) time.Duration // dynamic backoff; attempt is 1-based
}

// Retry runs fn until it succeeds, the policy is exhausted, or ctx ends.
// When every attempt fails, the last error is returned.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	if policy.MaxAttempts <= 1 {
		return fn(ctx)
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == policy.MaxAttempts {
			break
		}
		if policy.ShouldRetry != nil && !policy.ShouldRetry(lastErr) {
			return lastErr
		}

		delay := policy.Delay
		if policy.DelayFunc != nil {
			delay = policy.DelayFunc(attempt, lastErr)
		}
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
	}
	return lastErr
}
