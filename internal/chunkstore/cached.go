package chunkstore

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/sync/singleflight"

	"github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/config"
)

// Cached keeps recently fetched artifacts in memory, costed by byte size,
// and collapses concurrent misses for the same key into one fetch. Returned
// slices are shared and must not be modified.
//
// The shared fetch does not inherit any one caller's cancellation; it runs
// until FetchTimeout, and each caller stops waiting when its own context
// ends.
type Cached struct {
	inner        Store
	cache        *ristretto.Cache
	group        singleflight.Group
	FetchTimeout time.Duration
	OnHit        func()
	OnMiss       func()
}

func NewCached(inner Store, cfg config.CacheConfig) (*Cached, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("creating chunk cache: %w", err)
	}
	return &Cached{inner: inner, cache: cache}, nil
}

func (c *Cached) Get(ctx context.Context, key string) ([]byte, error) {
	if v, ok := c.cache.Get(key); ok {
		if data, ok := v.([]byte); ok {
			if c.OnHit != nil {
				c.OnHit()
			}
			return data, nil
		}
	}
	if c.OnMiss != nil {
		c.OnMiss()
	}
	ch := c.group.DoChan(key, func() (any, error) {
		fetchCtx := context.WithoutCancel(ctx)
		if c.FetchTimeout > 0 {
			var cancel context.CancelFunc
			fetchCtx, cancel = context.WithTimeout(fetchCtx, c.FetchTimeout)
			defer cancel()
		}
		data, err := c.inner.Get(fetchCtx, key)
		if err != nil {
			return nil, err
		}
		c.cache.Set(key, data, int64(len(data))+1)
		return data, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Wait blocks until buffered writes are applied.
func (c *Cached) Wait() { c.cache.Wait() }

// Clear drops every cached artifact.
func (c *Cached) Clear() { c.cache.Clear() }

func (c *Cached) Close() { c.cache.Close() }
