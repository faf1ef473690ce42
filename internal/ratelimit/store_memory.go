package ratelimit

import (
	"context"
	"sync"
	"time"
)

type counter struct {
	count       int64
	windowStart time.Time
}

// MemoryStore is a mutex-protected in-process counter store. Used by tests
// and single-instance deployments.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*counter
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[string]*counter)}
}

func (s *MemoryStore) Incr(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok || now.Sub(c.windowStart) >= window {
		c = &counter{windowStart: now}
		s.counters[key] = c
	}
	c.count++
	resetIn := window - now.Sub(c.windowStart)
	return c.count, resetIn, nil
}

// Sweep drops counters whose window ended before the cutoff. Deployments
// with many distinct keys run this periodically.
func (s *MemoryStore) Sweep(window time.Duration) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, c := range s.counters {
		if now.Sub(c.windowStart) >= window {
			delete(s.counters, key)
		}
	}
}
