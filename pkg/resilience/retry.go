// Package resilience provides the retry, circuit-breaker, and bounded
// concurrency primitives wrapped around every outbound call.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// transientError marks an error as retryable.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err so the retry kit will retry it. A nil err returns nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err (or anything it wraps) is retryable.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// RetryConfig controls exponential backoff.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	// Jitter is the upper bound of the multiplicative jitter, in [0, 0.5).
	Jitter float64 `yaml:"jitter"`
}

// DefaultRetryConfig returns the built-in retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 4,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Jitter:      0.25,
	}
}

// Delay returns the backoff delay for the given 0-indexed attempt:
// min(base · 2^n · (1 + U(0, jitter)), max).
func (c RetryConfig) Delay(attempt int) time.Duration {
	d := c.BaseDelay << uint(attempt)
	if c.Jitter > 0 {
		d = time.Duration(float64(d) * (1 + rand.Float64()*c.Jitter))
	}
	if d > c.MaxDelay || d <= 0 {
		d = c.MaxDelay
	}
	return d
}

// Retry runs fn until it succeeds, returns a non-transient error, the attempt
// budget is exhausted, or ctx is done. The transient marker is preserved on
// the returned error; callers classify with errors.Is/As.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(cfg.Delay(attempt - 1)):
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return fmt.Errorf("retry budget exhausted after %d attempts: %w", cfg.MaxAttempts, lastErr)
}
