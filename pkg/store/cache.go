package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the slice of a shared key/value store the gateway needs: an
// atomic set-if-absent with expiry.
type Cache interface {
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
}

// RedisCache wraps go-redis.
type RedisCache struct{ client redis.Cmdable }

func NewRedisCache(client redis.Cmdable) *RedisCache {
	return &RedisCache{client: client}
}

func (r *RedisCache) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}
