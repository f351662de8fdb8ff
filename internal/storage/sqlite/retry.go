package sqlite

import (
	"context"
	"math/rand/v2"
	"strings"
	"time"
)

// RetryConfig controls exponential backoff retry behavior.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	JitterPct  float64 // e.g. 0.25 for 25% jitter
}

// DefaultRetryConfig returns the default retry configuration:
// 7 retries, 50ms base, 25% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 7,
		BaseDelay:  50 * time.Millisecond,
		JitterPct:  0.25,
	}
}

// RetryOnBusy retries fn on transient SQLite contention errors using the
// default config.
func RetryOnBusy(ctx context.Context, fn func() error) error {
	return retryOnBusy(ctx, DefaultRetryConfig(), fn, sleepCtx)
}

// RetryOnBusyWithConfig retries fn on transient SQLite contention errors
// using the given config.
func RetryOnBusyWithConfig(ctx context.Context, cfg RetryConfig, fn func() error) error {
	return retryOnBusy(ctx, cfg, fn, sleepCtx)
}

func retryOnBusy(ctx context.Context, cfg RetryConfig, fn func() error, sleepFn func(context.Context, time.Duration) error) error {
	err := fn()
	if err == nil || !isBusy(err) {
		return err
	}
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		delay := cfg.BaseDelay * (1 << (attempt - 1))
		jitter := time.Duration(float64(delay) * rand.Float64() * cfg.JitterPct)
		if err := sleepFn(ctx, delay+jitter); err != nil {
			return err
		}
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isBusy(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}
