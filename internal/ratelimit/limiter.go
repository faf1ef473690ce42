// Package ratelimit implements fixed-window rate limiting over an injected
// atomic counter store. Counters live in Redis in production and in an
// in-memory store in tests; the limiter itself only sees the Store
// contract, which keeps the concurrency guarantees independent of the
// storage mechanism.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Store is the shared counter backend. Incr atomically increments the
// fixed-window counter for key, starting a new window when none is live,
// and reports the new count plus the time until the window resets.
// Implementations must serialize increments: concurrent callers sharing a
// key may never observe the same count.
type Store interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, resetIn time.Duration, err error)
}

// Scope is one named budget. Configured at startup, immutable after.
type Scope struct {
	Name        string        `json:"name"`
	MaxRequests int64         `json:"max_requests"`
	Window      time.Duration `json:"window_ms"`
}

// Decision is the outcome of a single check. Rejection is a normal
// outcome, not an error; the error return is reserved for store failures.
type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// Limiter evaluates scopes against the counter store.
type Limiter struct {
	store Store
}

func New(store Store) *Limiter {
	return &Limiter{store: store}
}

// Check consumes one request from the scope's budget for keyValue.
// The (MaxRequests+1)-th request inside a window is rejected with the time
// remaining until the window resets.
func (l *Limiter) Check(ctx context.Context, scope Scope, keyValue string) (Decision, error) {
	count, resetIn, err := l.store.Incr(ctx, counterKey(scope.Name, keyValue), scope.Window)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit store: %w", err)
	}

	if count > scope.MaxRequests {
		return Decision{Allowed: false, Remaining: 0, RetryAfter: resetIn}, nil
	}
	return Decision{Allowed: true, Remaining: scope.MaxRequests - count}, nil
}

func counterKey(scope, keyValue string) string {
	return "ratelimit:" + scope + ":" + keyValue
}
