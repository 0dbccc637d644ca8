package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	// Prefix namespaces every key written through this cache.
	Prefix string
}

// RedisCache is a BytesCache shared across processes.
type RedisCache struct {
	cli    *redis.Client
	prefix string
}

func NewRedisCache(cfg RedisConfig) *RedisCache {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	return &RedisCache{cli: rdb, prefix: cfg.Prefix}
}

func (r *RedisCache) key(k string) string { return r.prefix + k }

func (r *RedisCache) Ping(ctx context.Context) error {
	if err := r.cli.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (r *RedisCache) GetBytes(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.cli.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return b, true, nil
}

func (r *RedisCache) SetBytes(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.cli.Set(ctx, r.key(key), value, ttl).Err()
}

// Delete removes keys. A trailing '*' is expanded with SCAN.
func (r *RedisCache) Delete(ctx context.Context, keys ...string) error {
	var plain []string
	for _, k := range keys {
		if !strings.HasSuffix(k, "*") {
			plain = append(plain, r.key(k))
			continue
		}
		iter := r.cli.Scan(ctx, 0, r.key(k), 200).Iterator()
		var batch []string
		for iter.Next(ctx) {
			batch = append(batch, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("redis scan %s: %w", k, err)
		}
		plain = append(plain, batch...)
	}
	if len(plain) == 0 {
		return nil
	}
	return r.cli.Del(ctx, plain...).Err()
}

func (r *RedisCache) Close() error { return r.cli.Close() }
