package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeScript runs one fixed-window step atomically. A rejected request does
// not increment the bucket. The key TTL mirrors the window so Redis drops
// finished buckets itself.
var takeScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local vals = redis.call("HMGET", KEYS[1], "count", "expires_at")
local count = tonumber(vals[1])
local expires = tonumber(vals[2])
if count == nil or expires == nil or now >= expires then
  expires = now + window
  redis.call("HSET", KEYS[1], "count", 1, "expires_at", expires)
  redis.call("PEXPIRE", KEYS[1], window)
  return {1, 1, expires}
end
if count >= limit then
  return {0, count, expires}
end
count = redis.call("HINCRBY", KEYS[1], "count", 1)
return {1, count, expires}
`)

type RedisStore struct {
	Client redis.Scripter
	Prefix string
}

func NewRedisStore(client redis.Scripter) *RedisStore {
	return &RedisStore{Client: client, Prefix: "rl:"}
}

func (r *RedisStore) Take(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error) {
	if r.Client == nil {
		return Decision{}, errors.New("redis client not configured")
	}
	res, err := takeScript.Run(ctx, r.Client, []string{r.Prefix + key}, now.UnixMilli(), window.Milliseconds(), limit).Result()
	if err != nil {
		return Decision{}, err
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 3 {
		return Decision{}, fmt.Errorf("unexpected rate limit script reply %T", res)
	}
	allowed, _ := vals[0].(int64)
	count, _ := vals[1].(int64)
	expiresMs, _ := vals[2].(int64)
	d := Decision{
		Allowed: allowed == 1,
		Count:   int(count),
		Limit:   limit,
		ResetAt: time.UnixMilli(expiresMs).UTC(),
	}
	if d.Allowed {
		d.Remaining = remainingAfter(limit, d.Count)
	}
	return d, nil
}

// PurgeExpired is a no-op: bucket keys carry their own TTL.
func (r *RedisStore) PurgeExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}
