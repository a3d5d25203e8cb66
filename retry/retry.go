// Package retry provides a generic retry helper with exponential backoff.
package retry

import (
	"context"
	"time"
)

// Config controls retry behavior.
type Config struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration

	// Multiplier scales the delay after each failed attempt.
	Multiplier float64
}

// RetryableFunc reports whether an error should trigger another attempt.
type RetryableFunc func(error) bool

// WithRetry runs fn up to cfg.MaxAttempts times, backing off exponentially
// between attempts. Non-retryable errors and context cancellation end the
// loop immediately. The result and error of the last attempt are returned.
func WithRetry[T any](ctx context.Context, cfg Config, retryable RetryableFunc, fn func() (T, error)) (T, error) {
	var result T
	var err error

	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	delay := cfg.InitialDelay
	for attempt := 0; attempt < attempts; attempt++ {
		result, err = fn()
		if err == nil {
			return result, nil
		}
		if retryable != nil && !retryable(err) {
			return result, err
		}
		if attempt == attempts-1 {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, ctx.Err()
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return result, err
}
