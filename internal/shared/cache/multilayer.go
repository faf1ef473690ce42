package cache

import (
	"context"
	"encoding/json"
	"time"
)

// MultiLayerCache layers Ristretto (L1, in-process) over Redis (L2,
// distributed). The onHit/onMiss callbacks feed the metrics collector and
// must not block.
type MultiLayerCache struct {
	l1     *RistrettoCache
	l2     *RedisCache
	onHit  func()
	onMiss func()
}

func NewMultiLayerCache(l1 *RistrettoCache, l2 *RedisCache, onHit, onMiss func()) *MultiLayerCache {
	return &MultiLayerCache{l1: l1, l2: l2, onHit: onHit, onMiss: onMiss}
}

// Get checks L1 then L2, promoting L2 hits into L1. A miss in both layers
// returns ErrCacheMiss; any other error means the backing store is
// unreachable and the caller must fail closed.
func (m *MultiLayerCache) Get(ctx context.Context, key string) ([]byte, error) {
	if val, ok := m.l1.Get(key); ok {
		if m.onHit != nil {
			m.onHit()
		}
		return val.([]byte), nil
	}

	val, ttl, err := m.l2.Get(ctx, key)
	if err == nil {
		// Promote with the entry's remaining lifetime so the L1 copy never
		// outlives the authoritative L2 expiry.
		if ttl > 0 {
			m.l1.Set(key, val, int64(len(val)), ttl)
		}
		if m.onHit != nil {
			m.onHit()
		}
		return val, nil
	}
	if err == ErrCacheMiss && m.onMiss != nil {
		m.onMiss()
	}
	return nil, err
}

// Set writes through both layers.
func (m *MultiLayerCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.l1.Set(key, value, int64(len(value)), ttl)
	return m.l2.Set(ctx, key, value, ttl)
}

func (m *MultiLayerCache) Delete(ctx context.Context, key string) error {
	m.l1.Delete(key)
	return m.l2.Delete(ctx, key)
}

// Verdict is a cached credential-validation outcome. Negative verdicts are
// cached too, bounding the cost of repeated invalid-key probing.
type Verdict struct {
	Valid   bool     `json:"valid"`
	Subject string   `json:"subject,omitempty"`
	Scopes  []string `json:"scopes,omitempty"`
}

// VerdictCache stores credential verdicts keyed by credential fingerprint.
type VerdictCache struct {
	cache *MultiLayerCache
}

func NewVerdictCache(l1 *RistrettoCache, l2 *RedisCache, onHit, onMiss func()) *VerdictCache {
	return &VerdictCache{cache: NewMultiLayerCache(l1, l2, onHit, onMiss)}
}

// Get returns the cached verdict for a fingerprint. found is false on a
// clean miss; err is non-nil only when the store itself failed.
func (c *VerdictCache) Get(ctx context.Context, fingerprint string) (Verdict, bool, error) {
	raw, err := c.cache.Get(ctx, "cred:"+fingerprint)
	if err == ErrCacheMiss {
		return Verdict{}, false, nil
	}
	if err != nil {
		return Verdict{}, false, err
	}
	var v Verdict
	if err := json.Unmarshal(raw, &v); err != nil {
		// Corrupt entry: treat as a miss so validation re-runs.
		return Verdict{}, false, nil
	}
	return v, true, nil
}

func (c *VerdictCache) Set(ctx context.Context, fingerprint string, v Verdict, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.cache.Set(ctx, "cred:"+fingerprint, raw, ttl)
}

func (c *VerdictCache) Invalidate(ctx context.Context, fingerprint string) error {
	return c.cache.Delete(ctx, "cred:"+fingerprint)
}
