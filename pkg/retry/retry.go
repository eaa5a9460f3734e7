// Package retry provides exponential backoff for read-only background loops.
//
// Side-effecting requests are never retried; a failed mutation surfaces to
// the user instead.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts int           // Maximum number of attempts (0 = until ctx is done)
	InitialWait time.Duration // Initial wait time
	MaxWait     time.Duration // Maximum wait time
	Multiplier  float64       // Backoff multiplier
	Jitter      float64       // Jitter factor (0-1)
}

// StreamConfig is the reconnect policy of the stats event stream.
func StreamConfig() Config {
	return Config{
		MaxAttempts: 0,
		InitialWait: time.Second,
		MaxWait:     30 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
	}
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

// Backoff returns the wait before the given attempt (1-based) would be retried.
func Backoff(cfg Config, attempt int) time.Duration {
	mult := cfg.Multiplier
	if mult <= 0 {
		mult = 1
	}
	wait := float64(cfg.InitialWait) * math.Pow(mult, float64(attempt-1))
	if cfg.MaxWait > 0 && wait > float64(cfg.MaxWait) {
		wait = float64(cfg.MaxWait)
	}
	if cfg.Jitter > 0 {
		wait += wait * cfg.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(wait)
}

// Do executes fn until it succeeds, returns a non-retryable error, runs out
// of attempts or ctx is done. onRetry, if set, is called before each wait.
func Do(ctx context.Context, cfg Config, fn func() error, onRetry func(attempt int, wait time.Duration, err error)) error {
	var lastErr error

	for attempt := 1; cfg.MaxAttempts == 0 || attempt <= cfg.MaxAttempts; attempt++ {
		err := fn()
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

		wait := Backoff(cfg, attempt)
		if onRetry != nil {
			onRetry(attempt, wait, err)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return lastErr
}
