package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss is returned when neither cache layer holds the key.
var ErrCacheMiss = errors.New("cache miss")

// RedisCache is the distributed L2 layer. Values are stored as raw bytes;
// callers own the encoding.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Get returns the value and its remaining TTL in one round trip. Keys
// without an expiry report a zero TTL.
func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, time.Duration, error) {
	pipe := r.client.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, 0, err
	}
	val, err := getCmd.Bytes()
	if err == redis.Nil {
		return nil, 0, ErrCacheMiss
	}
	if err != nil {
		return nil, 0, err
	}
	ttl := ttlCmd.Val()
	if ttl < 0 {
		// PTTL reports negative sentinels for missing or non-expiring keys.
		ttl = 0
	}
	return val, ttl, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisCache) Delete(ctx context.Context, keys ...string) error {
	return r.client.Del(ctx, keys...).Err()
}
