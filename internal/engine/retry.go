package engine

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// DefaultTimeout is the default per-node operation timeout.
const DefaultTimeout = 30 * time.Minute

// DefaultRetryMax is the default maximum number of retries for transient
// provider errors.
const DefaultRetryMax = 3

// RetryPolicy defines retry behavior for transient cloud API errors.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy returns a sensible default retry policy.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries: DefaultRetryMax,
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// RetryWithBackoff executes fn with exponential backoff and jitter.
// Only errors for which shouldRetry returns true are retried; all others
// surface immediately.
func RetryWithBackoff(ctx context.Context, policy *RetryPolicy, fn func() error, shouldRetry func(error) bool) error {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}

	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if !shouldRetry(lastErr) {
			return lastErr
		}

		if attempt < policy.MaxRetries {
			delay := calculateBackoff(attempt, policy.BaseDelay, policy.MaxDelay)
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}
	}

	return fmt.Errorf("max retries (%d) exceeded: %w", policy.MaxRetries, lastErr)
}

// calculateBackoff returns exponential backoff with jitter.
func calculateBackoff(attempt int, base, max time.Duration) time.Duration {
	backoff := float64(base) * math.Pow(2, float64(attempt))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	jitter := rand.Float64() * backoff
	return time.Duration(jitter)
}

// nodeTimeout parses a change's timeout override, falling back to the
// default.
func nodeTimeout(timeout string) time.Duration {
	if timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil && d > 0 {
			return d
		}
	}
	return DefaultTimeout
}
