package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "smokypay:oracle:quote:"

// RedisCache shares quotes between replicas so one refresher serves all.
// Entries expire after ttl; staleness is still judged by observation time.
type RedisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisCache wraps an existing client.
func NewRedisCache(client redis.UniversalClient, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

// DialRedis parses a redis:// URL and returns a cache plus the client so the
// caller can close it on shutdown.
func DialRedis(rawURL string, ttl time.Duration) (*RedisCache, *redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	return NewRedisCache(client, ttl), client, nil
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, pair string) (Quote, bool, error) {
	data, err := c.client.Get(ctx, redisKeyPrefix+pair).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Quote{}, false, nil
		}
		return Quote{}, false, fmt.Errorf("failed to read quote from redis: %w", err)
	}
	var q Quote
	if err := json.Unmarshal(data, &q); err != nil {
		return Quote{}, false, fmt.Errorf("failed to decode cached quote: %w", err)
	}
	return q, true, nil
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, q Quote) error {
	data, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("failed to encode quote: %w", err)
	}
	if err := c.client.Set(ctx, redisKeyPrefix+q.Pair, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write quote to redis: %w", err)
	}
	return nil
}

// PingContext lets the health registry probe Redis.
func (c *RedisCache) PingContext(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
