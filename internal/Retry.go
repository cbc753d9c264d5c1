package internal

import (
	"context"
	"time"
)

const (
	// defaultAttemptTimeout bounds a single protocol-level attempt (version
	// resolve, manifest fetch).
	defaultAttemptTimeout = 20 * time.Second

	maxBackoff = 30 * time.Second
)

// backoffDelay returns the wait before retry attempt n (1-based): 1s, 2s,
// 4s... capped at maxBackoff.
func backoffDelay(attempt int) time.Duration {
	d := time.Second << (attempt - 1)
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RetryWithBackoff runs fn up to attempts times with exponential backoff
// between failures. Each attempt gets its own timeout context. Non-retryable
// failures (per IsRetryable) abort immediately.
func RetryWithBackoff[T any](ctx context.Context, attempts int, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, defaultAttemptTimeout)
		result, err := fn(attemptCtx)
		cancel()
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		lastErr = err
		if !IsRetryable(err) {
			return zero, err
		}
		if attempt < attempts {
			logf(LogWarning, "attempt %d/%d failed, retrying: %v", attempt, attempts, err)
			if serr := sleepCtx(ctx, backoffDelay(attempt)); serr != nil {
				return zero, serr
			}
		}
	}
	return zero, lastErr
}
