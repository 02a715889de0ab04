package throttle

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

var incrScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisStore keeps throttle counters in Redis so multiple nodes share one
// window. Any Redis failure falls back to the in-memory store rather than
// failing the execution path.
type RedisStore struct {
	Client   *redis.Client
	Prefix   string
	Timeout  time.Duration
	Fallback *MemoryStore
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		Client:   client,
		Prefix:   "throttle:",
		Timeout:  2 * time.Second,
		Fallback: NewMemoryStore(),
	}
}

func (s *RedisStore) Incr(ctx context.Context, key string, window time.Duration) (int, time.Time, error) {
	if window <= 0 {
		window = time.Minute
	}
	if s.Client == nil {
		return s.fallback(ctx, key, window)
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res, err := incrScript.Run(ctx, s.Client, []string{s.Prefix + key}, window.Milliseconds()).Result()
	if err != nil {
		return s.fallback(ctx, key, window)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return s.fallback(ctx, key, window)
	}
	count, _ := vals[0].(int64)
	ttlMs, _ := vals[1].(int64)
	if ttlMs < 0 {
		ttlMs = window.Milliseconds()
	}
	resetAt := time.Now().UTC().Add(time.Duration(ttlMs) * time.Millisecond)
	return int(count), resetAt, nil
}

func (s *RedisStore) fallback(ctx context.Context, key string, window time.Duration) (int, time.Time, error) {
	if s.Fallback == nil {
		s.Fallback = NewMemoryStore()
	}
	return s.Fallback.Incr(ctx, key, window)
}
