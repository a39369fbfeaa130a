// Package backoff retries operations with capped exponential delays.
package backoff

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Config configures exponential backoff retry behavior
type Config struct {
	MaxRetries int           // Maximum number of attempts, including the first
	BaseDelay  time.Duration // Delay before the second attempt
	MaxDelay   time.Duration // Upper bound of any single delay
	Multiplier float64       // Growth factor between delays
	Jitter     bool          // Randomize each delay in [d/2, d]
}

// Default returns the pipeline-wide retry defaults
func Default() Config {
	return Config{
		MaxRetries: 5,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// Delay returns the wait before attempt n+1, where n counts from 1
func (c Config) Delay(n int) time.Duration {
	d := c.BaseDelay
	for i := 1; i < n; i++ {
		d = time.Duration(float64(d) * c.Multiplier)
		if c.MaxDelay > 0 && d >= c.MaxDelay {
			d = c.MaxDelay
			break
		}
	}
	if c.MaxDelay > 0 && d > c.MaxDelay {
		d = c.MaxDelay
	}
	if c.Jitter && d > 1 {
		half := d / 2
		d = half + rand.N(half+1)
	}
	return d
}

// Retry calls fn until it succeeds, the attempts run out, ctx is cancelled
// or retryable reports false for the returned error. A nil retryable
// retries every error. The last error is returned unchanged.
func Retry[T any](ctx context.Context, cfg Config, retryable func(error) bool, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	attempts := cfg.MaxRetries
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				slog.Debug("operation succeeded after retry", "attempt", attempt)
			}
			return result, nil
		}
		lastErr = err

		if retryable != nil && !retryable(err) {
			return zero, err
		}
		if attempt == attempts {
			break
		}

		slog.Debug("operation failed, will retry", "attempt", attempt, "max_attempts", attempts, "error", err)

		timer := time.NewTimer(cfg.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	return zero, lastErr
}

// Do is Retry for operations without a result
func Do(ctx context.Context, cfg Config, retryable func(error) bool, fn func(context.Context) error) error {
	_, err := Retry(ctx, cfg, retryable, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
