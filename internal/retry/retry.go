// Package retry provides bounded retry with linear backoff.
package retry

import (
	"context"
	"errors"
	"time"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts int           // Maximum number of attempts, at least 1
	BaseDelay   time.Duration // Wait after attempt n is n*BaseDelay
	MaxDelay    time.Duration // Upper bound on a single wait (0 = unbounded)

	// OnRetry is called before waiting for the next attempt.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultConfig returns the per-file download policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 10,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Backoff returns the wait after the given failed attempt.
func (c Config) Backoff(attempt int) time.Duration {
	wait := time.Duration(attempt) * c.BaseDelay
	if c.MaxDelay > 0 && wait > c.MaxDelay {
		wait = c.MaxDelay
	}
	return wait
}

// RetryableError wraps an error that should be retried.
type RetryableError struct {
	Err error
}

func (e RetryableError) Error() string {
	return e.Err.Error()
}

func (e RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the error should be retried.
func IsRetryable(err error) bool {
	var retryable RetryableError
	return errors.As(err, &retryable)
}

// Retryable wraps an error to mark it as retryable.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return RetryableError{Err: err}
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return e.Err.Error()
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Do executes fn until it succeeds, returns a non-retryable error, the
// attempts run out, or ctx is done. fn receives the 1-based attempt number.
func Do(ctx context.Context, cfg Config, fn func(attempt int) error) error {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == maxAttempts {
			break
		}

		wait := cfg.Backoff(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return &ExhaustedError{Attempts: maxAttempts, Err: lastErr}
}
