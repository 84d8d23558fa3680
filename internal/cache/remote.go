package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Remote is a shared second tier holding raw account bytes. Misses are
// reported with ok == false; errors are treated as misses by the cache.
type Remote interface {
	Get(ctx context.Context, key string) (data []byte, ok bool, err error)
	Set(ctx context.Context, key string, data []byte) error
	Del(ctx context.Context, keys ...string) error
}

// RedisTier stores raw account data in Redis with a TTL, so several client
// instances share fetch results.
type RedisTier struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisTier(rdb *redis.Client, ttl time.Duration) *RedisTier {
	return &RedisTier{rdb: rdb, ttl: ttl, prefix: "perp:account:"}
}

func (t *RedisTier) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := t.rdb.Get(ctx, t.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (t *RedisTier) Set(ctx context.Context, key string, data []byte) error {
	return t.rdb.Set(ctx, t.prefix+key, data, t.ttl).Err()
}

func (t *RedisTier) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = t.prefix + k
	}
	return t.rdb.Del(ctx, full...).Err()
}

// Ping reports whether Redis is reachable, for readiness checks.
func (t *RedisTier) Ping(ctx context.Context) error {
	return t.rdb.Ping(ctx).Err()
}
