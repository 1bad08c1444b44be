// Package retry provides exponential-backoff retry for outbound calls.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// Transient classifies failures worth retrying.
var (
	ErrRateLimited = errors.New("invobot: rate limit exceeded")
	ErrTimeout     = errors.New("invobot: request timeout")
	ErrServerError = errors.New("invobot: server error (5xx)")
)

// Config configures retry behavior for outbound calls.
type Config struct {
	MaxRetries      int           // Maximum number of retry attempts (0 = no retries)
	InitialDelay    time.Duration // Delay before the first retry
	MaxDelay        time.Duration // Ceiling on backoff delay
	Multiplier      float64       // Backoff multiplier
	RetryableErrors []error       // Errors that trigger a retry
}

// DefaultConfig returns sensible retry defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		RetryableErrors: []error{
			ErrRateLimited,
			ErrTimeout,
			ErrServerError,
		},
	}
}

// IsRetryable reports whether an error should trigger a retry.
func (c Config) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	for _, candidate := range c.RetryableErrors {
		if errors.Is(err, candidate) {
			return true
		}
	}
	return false
}

// Delay computes the backoff delay for a given attempt.
func (c Config) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return c.InitialDelay
	}
	d := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt))
	if time.Duration(d) > c.MaxDelay {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// Do runs fn with retries per the config. Non-retryable errors return
// immediately.
func Do[T any](ctx context.Context, cfg Config, logger *slog.Logger, fn func() (T, error)) (T, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var result T
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("context cancelled: %w", err)
		}

		result, lastErr = fn()
		if lastErr == nil {
			if attempt > 0 {
				logger.Info("operation succeeded after retry", "attempt", attempt)
			}
			return result, nil
		}

		if !cfg.IsRetryable(lastErr) {
			return result, lastErr
		}
		if attempt >= cfg.MaxRetries {
			break
		}

		delay := cfg.Delay(attempt)
		logger.Warn("operation failed, retrying",
			"attempt", attempt+1,
			"max_retries", cfg.MaxRetries,
			"delay", delay,
			"error", lastErr,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return result, fmt.Errorf("context cancelled during backoff: %w", ctx.Err())
		}
	}

	return result, fmt.Errorf("exhausted %d retries: %w", cfg.MaxRetries, lastErr)
}
