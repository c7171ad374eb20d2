package backoff

import (
	"context"
	"time"
)

// Retry calls fn until it succeeds, maxAttempts is reached, retryable
// reports a non-retryable error, or ctx ends. The last error is returned
// unchanged so callers can still match it with errors.Is / errors.As.
func Retry[T any](
	ctx context.Context,
	policy Policy,
	maxAttempts int,
	retryable func(error) bool,
	fn func(ctx context.Context) (T, error),
) (T, error) {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var zero T
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}
		value, err := fn(ctx)
		if err == nil {
			return value, nil
		}
		lastErr = err
		if attempt == maxAttempts || retryable == nil || !retryable(err) {
			break
		}
		if err := Sleep(ctx, policy.Delay(attempt)); err != nil {
			return zero, lastErr
		}
	}
	return zero, lastErr
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
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
