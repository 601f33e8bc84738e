package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chirino/notesync/internal/config"
	"github.com/chirino/notesync/internal/model"
	registrycache "github.com/chirino/notesync/internal/registry/cache"
	goredis "github.com/redis/go-redis/v9"
)

const defaultTTL = time.Minute

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (registrycache.CountsCache, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis cache: NOTESYNC_REDIS_URL is required")
	}
	ttl := cfg.CountsCacheTTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return LoadFromURLWithTTL(ctx, cfg.RedisURL, ttl)
}

// LoadFromURLWithTTL creates a cache with an explicit counts TTL.
func LoadFromURLWithTTL(ctx context.Context, redisURL string, ttl time.Duration) (registrycache.CountsCache, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis cache: invalid URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis cache: ping failed: %w", err)
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &redisCountsCache{client: client, ttl: ttl}, nil
}

type redisCountsCache struct {
	client *goredis.Client
	ttl    time.Duration
}

func countsKey(ownerID string) string {
	return fmt.Sprintf("note-counts:%s", ownerID)
}

func (c *redisCountsCache) Available() bool {
	return true
}

func (c *redisCountsCache) Get(ctx context.Context, ownerID string) (*model.OwnerStats, error) {
	data, err := c.client.Get(ctx, countsKey(ownerID)).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var stats model.OwnerStats
	if err := json.Unmarshal(data, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (c *redisCountsCache) Set(ctx context.Context, ownerID string, stats model.OwnerStats, ttl time.Duration) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	if ttl == 0 {
		ttl = c.ttl
	}
	return c.client.Set(ctx, countsKey(ownerID), data, ttl).Err()
}

func (c *redisCountsCache) Remove(ctx context.Context, ownerID string) error {
	return c.client.Del(ctx, countsKey(ownerID)).Err()
}

var _ registrycache.CountsCache = (*redisCountsCache)(nil)
