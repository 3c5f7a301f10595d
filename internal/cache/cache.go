// Package cache provides an optional Redis read-through cache for the
// hottest request/response pairs: global stats and token details. A nil
// *Cache is valid and behaves as a permanent miss.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"koa-gateway/internal/domain"
	"koa-gateway/internal/observability"
)

const statsKey = "stats:global"

func tokenKey(contractAddress string) string {
	return "token:" + contractAddress
}

// Cache wraps a Redis client with the gateway's key schema.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

// New connects to Redis and verifies the connection.
func New(redisURL string, ttl time.Duration, logger *log.Logger) (*Cache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	if logger == nil {
		logger = log.Default()
	}
	return &Cache{client: client, ttl: ttl, logger: logger}, nil
}

// GetStats returns cached global stats, if present.
func (c *Cache) GetStats(ctx context.Context) (*domain.GlobalStats, bool) {
	if c == nil {
		return nil, false
	}

	data, err := c.client.Get(ctx, statsKey).Bytes()
	if err != nil {
		observability.RecordCacheLookup("stats", false)
		return nil, false
	}

	var stats domain.GlobalStats
	if err := json.Unmarshal(data, &stats); err != nil {
		observability.RecordCacheLookup("stats", false)
		return nil, false
	}
	observability.RecordCacheLookup("stats", true)
	return &stats, true
}

// SetStats caches global stats with the configured TTL.
func (c *Cache) SetStats(ctx context.Context, stats *domain.GlobalStats) {
	if c == nil || stats == nil {
		return
	}
	c.set(ctx, statsKey, stats)
}

// GetToken returns a cached token record, if present.
func (c *Cache) GetToken(ctx context.Context, contractAddress string) (*domain.Token, bool) {
	if c == nil {
		return nil, false
	}

	data, err := c.client.Get(ctx, tokenKey(contractAddress)).Bytes()
	if err != nil {
		observability.RecordCacheLookup("token", false)
		return nil, false
	}

	var t domain.Token
	if err := json.Unmarshal(data, &t); err != nil {
		observability.RecordCacheLookup("token", false)
		return nil, false
	}
	observability.RecordCacheLookup("token", true)
	return &t, true
}

// SetToken caches one token record with the configured TTL.
func (c *Cache) SetToken(ctx context.Context, t *domain.Token) {
	if c == nil || t == nil || t.ContractAddress == "" {
		return
	}
	c.set(ctx, tokenKey(t.ContractAddress), t)
}

// InvalidateToken drops the cached record for one token plus the global
// stats, which any token change may have shifted.
func (c *Cache) InvalidateToken(ctx context.Context, contractAddress string) {
	if c == nil {
		return
	}
	if err := c.client.Del(ctx, tokenKey(contractAddress), statsKey).Err(); err != nil {
		c.logger.Printf("cache invalidate %s: %v", contractAddress, err)
	}
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}

func (c *Cache) set(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Printf("cache marshal %s: %v", key, err)
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Printf("cache set %s: %v", key, err)
	}
}
