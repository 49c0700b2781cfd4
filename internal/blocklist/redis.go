package blocklist

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// RedisStore adapts a *redis.Client to the Store interface. Presence
// of the key is all that matters; its value is ignored.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps rdb as a blocklist Store.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Get reports whether key exists in Redis. A redis.Nil (key absent)
// is a clean miss, not an error.
func (s *RedisStore) Get(ctx context.Context, key string) (bool, error) {
	err := s.rdb.Get(ctx, key).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
