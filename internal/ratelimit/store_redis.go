package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript increments the window counter and attaches the window TTL on
// first increment, atomically. Returns {count, pttl}.
var incrScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
return {count, ttl}
`)

// RedisStore backs counters with Redis so budgets hold across gateway
// instances.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	res, err := incrScript.Run(ctx, s.client, []string{key}, window.Milliseconds()).Result()
	if err != nil {
		return 0, 0, err
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return 0, 0, fmt.Errorf("unexpected script result %T", res)
	}
	count, ok := vals[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected count type %T", vals[0])
	}
	ttlMS, ok := vals[1].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected ttl type %T", vals[1])
	}
	if ttlMS < 0 {
		ttlMS = 0
	}
	return count, time.Duration(ttlMS) * time.Millisecond, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
