package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache keeps phone -> user id resolutions shared across instances.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func uidKey(phone string) string { return "zalo:uid:" + phone }

func (r *RedisCache) SetUID(ctx context.Context, phone, uid string) error {
	return r.rdb.Set(ctx, uidKey(phone), uid, r.ttl).Err()
}

func (r *RedisCache) GetUID(ctx context.Context, phone string) (string, bool, error) {
	val, err := r.rdb.Get(ctx, uidKey(phone)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// NewClient opens a Redis client and pings it.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}
