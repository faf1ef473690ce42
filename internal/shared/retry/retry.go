// Package retry implements bounded exponential backoff. The gateway uses it
// only for startup connectivity (backing-store ping); proxied requests are
// never retried.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Config holds backoff parameters.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// DefaultConfig returns sensible defaults for startup probes.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Do runs fn until it succeeds, the attempt budget is exhausted, or the
// context is done. The last error from fn is returned on exhaustion.
func Do(ctx context.Context, cfg Config, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff(attempt-1, cfg)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if lastErr = fn(ctx); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func backoff(attempt int, cfg Config) time.Duration {
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt))
	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		delay += delay * 0.25 * (2*rand.Float64() - 1)
	}
	return time.Duration(delay)
}
