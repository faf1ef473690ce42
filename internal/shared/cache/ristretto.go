package cache

import (
	"time"

	"github.com/dgraph-io/ristretto"
)

// RistrettoCache is the in-process L1 layer.
type RistrettoCache struct {
	cache *ristretto.Cache
}

// NewRistrettoCache creates the L1 cache. numCounters should be roughly
// 10x the expected number of live keys.
func NewRistrettoCache(maxCost, numCounters int64) (*RistrettoCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: numCounters,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &RistrettoCache{cache: c}, nil
}

func (r *RistrettoCache) Get(key string) (interface{}, bool) {
	return r.cache.Get(key)
}

func (r *RistrettoCache) Set(key string, value interface{}, cost int64, ttl time.Duration) bool {
	return r.cache.SetWithTTL(key, value, cost, ttl)
}

func (r *RistrettoCache) Delete(key string) {
	r.cache.Del(key)
}

func (r *RistrettoCache) Close() {
	r.cache.Close()
}
