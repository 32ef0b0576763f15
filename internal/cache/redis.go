package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisCache is the shared backend for multi-replica deployments. Keys
// are namespaced under a prefix so several kinds (or collectors) can
// share one database.
type RedisCache struct {
	client *redis.Client
	prefix string

	hits   atomic.Int64
	misses atomic.Int64
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(ctx context.Context, addr, password string, db int, prefix string) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	log.Info().Str("addr", addr).Str("prefix", prefix).Msg("Redis cache connected")
	return &RedisCache{client: client, prefix: prefix}, nil
}

func (r *RedisCache) key(key string) string {
	if r.prefix == "" {
		return key
	}
	return r.prefix + ":" + key
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err == redis.Nil {
		r.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		r.misses.Add(1)
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	r.hits.Add(1)
	return val, true, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Stats reports hit/miss counters. Entries counts keys under the
// prefix; a scan failure degrades to zero rather than erroring.
func (r *RedisCache) Stats() Stats {
	entries := 0
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	iter := r.client.Scan(ctx, 0, r.key("*"), 0).Iterator()
	for iter.Next(ctx) {
		entries++
	}
	return Stats{
		Hits:    r.hits.Load(),
		Misses:  r.misses.Load(),
		Entries: entries,
	}
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}
