package history

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache implements Cache on a Redis client. Keys are namespaced by prefix
// and point keys expire after ttl; lists are bounded by trimming instead.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	stats  *Stats
}

// Stats tracks cache statistics.
type Stats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Writes uint64 `json:"writes"`
	Errors uint64 `json:"errors"`
}

// RedisConfig holds the connection settings for NewRedisClient.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// NewRedisClient creates a client; it does not connect until first use.
func NewRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
}

// NewRedisCache creates a cache over client.
func NewRedisCache(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	return &RedisCache{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		stats:  &Stats{},
	}
}

var _ Cache = (*RedisCache)(nil)

// ListAppend runs RPUSH and LTRIM in one pipeline.
func (c *RedisCache) ListAppend(ctx context.Context, key string, value []byte, maxLen int) error {
	fullKey := c.prefix + key

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, fullKey, value)
		if maxLen > 0 {
			pipe.LTrim(ctx, fullKey, int64(-maxLen), -1)
		}
		return nil
	})
	if err != nil {
		atomic.AddUint64(&c.stats.Errors, 1)
		return fmt.Errorf("cache list append error: %w", err)
	}

	atomic.AddUint64(&c.stats.Writes, 1)
	return nil
}

// ListRange runs LRANGE on the prefixed key.
func (c *RedisCache) ListRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	values, err := c.client.LRange(ctx, c.prefix+key, start, stop).Result()
	if err != nil {
		atomic.AddUint64(&c.stats.Errors, 1)
		return nil, fmt.Errorf("cache list range error: %w", err)
	}

	out := make([][]byte, len(values))
	for i, v := range values {
		out[i] = []byte(v)
	}
	return out, nil
}

// Set stores value with the cache TTL.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte) error {
	if err := c.client.Set(ctx, c.prefix+key, value, c.ttl).Err(); err != nil {
		atomic.AddUint64(&c.stats.Errors, 1)
		return fmt.Errorf("cache set error: %w", err)
	}
	atomic.AddUint64(&c.stats.Writes, 1)
	return nil
}

// SetNX stores value with the cache TTL only if key is absent.
func (c *RedisCache) SetNX(ctx context.Context, key string, value []byte) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.prefix+key, value, c.ttl).Result()
	if err != nil {
		atomic.AddUint64(&c.stats.Errors, 1)
		return false, fmt.Errorf("cache setnx error: %w", err)
	}
	if ok {
		atomic.AddUint64(&c.stats.Writes, 1)
	}
	return ok, nil
}

// Get returns the value of key or ErrCacheMiss.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			atomic.AddUint64(&c.stats.Misses, 1)
			return nil, ErrCacheMiss
		}
		atomic.AddUint64(&c.stats.Errors, 1)
		return nil, fmt.Errorf("cache get error: %w", err)
	}

	atomic.AddUint64(&c.stats.Hits, 1)
	return data, nil
}

// GetMany fetches keys with one MGET; absent keys yield nil.
func (c *RedisCache) GetMany(ctx context.Context, keys ...string) ([][]byte, error) {
	if len(keys) == 0 {
		return [][]byte{}, nil
	}
	fullKeys := make([]string, len(keys))
	for i, k := range keys {
		fullKeys[i] = c.prefix + k
	}

	values, err := c.client.MGet(ctx, fullKeys...).Result()
	if err != nil {
		atomic.AddUint64(&c.stats.Errors, 1)
		return nil, fmt.Errorf("cache mget error: %w", err)
	}

	out := make([][]byte, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			atomic.AddUint64(&c.stats.Misses, 1)
			continue
		}
		atomic.AddUint64(&c.stats.Hits, 1)
		out[i] = []byte(s)
	}
	return out, nil
}

// GetStats returns a snapshot of the counters.
func (c *RedisCache) GetStats() Stats {
	return Stats{
		Hits:   atomic.LoadUint64(&c.stats.Hits),
		Misses: atomic.LoadUint64(&c.stats.Misses),
		Writes: atomic.LoadUint64(&c.stats.Writes),
		Errors: atomic.LoadUint64(&c.stats.Errors),
	}
}

// Ping checks if the Redis connection is healthy.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis client connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
