package discovery

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryConfig controls exponential backoff when a publisher fails to start,
// typically because the network is not up yet at login.
type RetryConfig struct {
	MaxRetries int // 0 = no retry
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 5,
		BaseDelay:  2 * time.Second,
		MaxDelay:   time.Minute,
	}
}

// retry runs fn until it succeeds, retries run out, or ctx ends. It returns
// the attempt count and the last error.
func retry[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (result T, attempts int, err error) {
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		result, err = fn()
		if err == nil {
			return result, attempt + 1, nil
		}
		if attempt == cfg.MaxRetries {
			break
		}
		t := time.NewTimer(backoffWithJitter(cfg.BaseDelay, cfg.MaxDelay, attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return result, attempt + 1, ctx.Err()
		case <-t.C:
		}
	}
	return result, cfg.MaxRetries + 1, err
}

// backoffWithJitter computes min(base * 2^attempt, max) ± 25%.
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	delay := base << uint(attempt)
	if delay > max || delay <= 0 {
		delay = max
	}
	quarter := delay / 4
	if quarter > 0 {
		delay += time.Duration(rand.Int64N(int64(quarter*2))) - quarter
	}
	return delay
}
