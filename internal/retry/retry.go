// Package retry runs an operation with exponential backoff until it
// succeeds or runs out of attempts.
//
// coral-hook uses it in two places: waiting for a target process to appear
// by name, and waiting for a stopped target to become quiescent before the
// original function bytes are restored.
//
//	err := retry.Do(ctx, retry.Config{
//	    MaxRetries:     30,
//	    InitialBackoff: time.Second,
//	    MaxBackoff:     time.Second,
//	}, func() error {
//	    pid, err = proc.FindByName(ctx, name)
//	    return err
//	}, nil)
//
// The delay before attempt n (n >= 1) is InitialBackoff * 2^(n-1), capped by
// MaxBackoff, plus a jitter that grows linearly with n.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Config defines the retry behavior.
//
// The zero value is not usable; MaxRetries and InitialBackoff must be set.
type Config struct {
	// MaxRetries is the maximum number of calls to fn.
	MaxRetries int

	// InitialBackoff is the delay before the second call.
	InitialBackoff time.Duration

	// MaxBackoff caps a single delay. Zero means uncapped.
	MaxBackoff time.Duration

	// Jitter in [0, 1] adds backoff*Jitter*attempt/MaxRetries to each delay.
	Jitter float64
}

// ShouldRetryFunc reports whether err is worth another attempt.
// A nil ShouldRetryFunc retries every error except a Permanent one.
type ShouldRetryFunc func(error) bool

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err so Do returns it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls fn until it returns nil or the budget is spent. The returned error
// wraps the last error from fn.
func Do(ctx context.Context, cfg Config, fn func() error, shouldRetry ShouldRetryFunc) error {
	var lastErr error

	for attempt := 0; attempt < cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(calculateBackoff(cfg, attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		err := fn()
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if shouldRetry != nil && !shouldRetry(err) {
			return err
		}

		lastErr = err
	}

	return fmt.Errorf("failed after %d retries: %w", cfg.MaxRetries, lastErr)
}

func calculateBackoff(cfg Config, attempt int) time.Duration {
	multiplier := math.Pow(2, float64(attempt-1))
	backoff := time.Duration(multiplier * float64(cfg.InitialBackoff))

	if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
		backoff = cfg.MaxBackoff
	}

	if cfg.Jitter > 0 && cfg.MaxRetries > 0 {
		backoff += time.Duration(float64(backoff) * cfg.Jitter * float64(attempt) / float64(cfg.MaxRetries))
	}

	return backoff
}
