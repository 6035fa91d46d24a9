// Package cache keeps rendered search responses in Redis, keyed by build ID
// and canonical query, and collapses concurrent identical misses.
package cache

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/metrics"
	pkgredis "github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/redis"
)

const keyPrefix = "search:"

// KV is the part of the Redis client the cache needs.
type KV interface {
	GetBytes(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	FlushByPattern(ctx context.Context, pattern string) (int64, error)
}

type QueryCache struct {
	client  KV
	ttl     time.Duration
	group   singleflight.Group
	metrics *metrics.Metrics
	logger  *slog.Logger
	hits    atomic.Int64
	misses  atomic.Int64
}

// New wraps client; m may be nil.
func New(client KV, ttl time.Duration, m *metrics.Metrics) *QueryCache {
	return &QueryCache{
		client:  client,
		ttl:     ttl,
		metrics: m,
		logger:  slog.Default().With("component", "query-cache"),
	}
}

// Key derives the cache key of a canonical query under one build.
func Key(buildID, canonical string) string {
	hash := sha256.Sum256([]byte(canonical))
	return fmt.Sprintf("%s%s:%x", keyPrefix, buildID, hash[:16])
}

// Get returns the cached body under key. Redis errors count as misses.
func (c *QueryCache) Get(ctx context.Context, key string) ([]byte, bool) {
	data, err := c.client.GetBytes(ctx, key)
	if err != nil {
		if !pkgredis.IsNilError(err) {
			c.logger.Error("cache get failed", "key", key, "error", err)
		}
		c.miss()
		return nil, false
	}
	c.hits.Add(1)
	if c.metrics != nil {
		c.metrics.ResultCacheHits.Inc()
	}
	c.logger.Debug("cache hit", "key", key)
	return data, true
}

func (c *QueryCache) miss() {
	c.misses.Add(1)
	if c.metrics != nil {
		c.metrics.ResultCacheMisses.Inc()
	}
}

func (c *QueryCache) Set(ctx context.Context, key string, body []byte) {
	if err := c.client.Set(ctx, key, body, c.ttl); err != nil {
		c.logger.Error("cache set failed", "key", key, "error", err)
	}
}

// GetOrCompute returns the cached body or runs compute once per key across
// concurrent callers and stores its result. Errors are never cached.
func (c *QueryCache) GetOrCompute(ctx context.Context, key string, compute func() ([]byte, error)) ([]byte, bool, error) {
	if body, ok := c.Get(ctx, key); ok {
		return body, true, nil
	}
	val, err, _ := c.group.Do(key, func() (interface{}, error) {
		body, err := compute()
		if err != nil {
			return nil, err
		}
		c.Set(ctx, key, body)
		return body, nil
	})
	if err != nil {
		return nil, false, err
	}
	return val.([]byte), false, nil
}

// Invalidate drops every cached response of every build.
func (c *QueryCache) Invalidate(ctx context.Context) error {
	deleted, err := c.client.FlushByPattern(ctx, keyPrefix+"*")
	if err != nil {
		return fmt.Errorf("invalidating cache: %w", err)
	}
	c.logger.Info("cache invalidated", "keys_deleted", deleted)
	return nil
}

func (c *QueryCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
