package contentstore

import (
	"context"
	"errors"
	"time"

	"github.com/nidhogg/chainmirror/internal/metrics"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const cachePrefix = "chainmirror:blob:"

// Fetcher downloads a blob by CID.
type Fetcher interface {
	Fetch(ctx context.Context, cid string) ([]byte, error)
}

// Cache is a Redis read-through cache in front of a Fetcher. Blobs are
// content-addressed, so a cached entry never goes stale; the TTL only bounds
// memory use.
type Cache struct {
	next   Fetcher
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewCache wraps next with a Redis cache.
func NewCache(rdb *redis.Client, next Fetcher, ttl time.Duration, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cache{next: next, rdb: rdb, ttl: ttl, logger: logger}
}

// Fetch returns the cached blob or falls through to the wrapped fetcher.
// Redis failures never fail the fetch.
func (c *Cache) Fetch(ctx context.Context, cid string) ([]byte, error) {
	key := cachePrefix + cid

	data, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		return data, nil
	case errors.Is(err, redis.Nil):
		metrics.CacheLookups.WithLabelValues("miss").Inc()
	default:
		metrics.CacheLookups.WithLabelValues("error").Inc()
		c.logger.Warn("content cache read failed", zap.String("cid", cid), zap.Error(err))
	}

	data, err = c.next.Fetch(ctx, cid)
	if err != nil {
		return nil, err
	}
	if err := c.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("content cache write failed", zap.String("cid", cid), zap.Error(err))
	}
	return data, nil
}
