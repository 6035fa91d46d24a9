package chunkstore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/database"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/metrics"
	pkgredis "github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/resilience"
)

// Backend is the configured raw store plus compression, ready for both
// publishing and reading.
type Backend struct {
	ReadWriter
	Remote  bool
	Ping    func(ctx context.Context) error
	closers []func() error
}

// Close releases connections held by the backend.
func (b *Backend) Close() error {
	var first error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// PutAll hands items to the configured store in one batch when it supports
// batches and writes them one by one otherwise.
func (b *Backend) PutAll(ctx context.Context, items []Item) error {
	if bp, ok := b.ReadWriter.(BatchPutter); ok {
		return bp.PutAll(ctx, items)
	}
	for _, it := range items {
		if err := b.Put(ctx, it.Key, it.Data); err != nil {
			return err
		}
	}
	return nil
}

// OpenBackend connects the backend selected by cfg.Store.Backend.
func OpenBackend(ctx context.Context, cfg *config.Config) (*Backend, error) {
	b := &Backend{Ping: func(context.Context) error { return nil }}
	switch cfg.Store.Backend {
	case "fs":
		b.ReadWriter = NewFS(cfg.Store.Dir)
	case "redis":
		client, err := pkgredis.NewClient(cfg.Redis)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, client.Close)
		b.ReadWriter = NewRedis(client, cfg.Store.KeyPrefix)
		b.Remote = true
		b.Ping = client.Ping
	case "postgres", "sqlite":
		var (
			client *database.Client
			err    error
		)
		if cfg.Store.Backend == "postgres" {
			client, err = database.OpenPostgres(cfg.Postgres)
			b.Remote = true
		} else {
			client, err = database.OpenSQLite(cfg.Store.SQLitePath)
		}
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, client.Close)
		s, err := NewSQL(client, cfg.Store.Table)
		if err != nil {
			b.Close()
			return nil, err
		}
		if err := s.EnsureSchema(ctx); err != nil {
			b.Close()
			return nil, err
		}
		b.ReadWriter = s
		b.Ping = client.DB.PingContext
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	if cfg.Store.Compression {
		c, err := NewCompressed(b.ReadWriter)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.closers = append(b.closers, func() error { c.Close(); return nil })
		b.ReadWriter = c
	}
	slog.Default().With("component", "chunkstore").Info("chunk store opened",
		"backend", cfg.Store.Backend,
		"compression", cfg.Store.Compression,
	)
	return b, nil
}

// ForSearch layers the read path the searcher uses: breaker for remote
// backends, metrics, then the in-process cache on top.
func ForSearch(b *Backend, cfg *config.Config, m *metrics.Metrics) (Store, *Cached, error) {
	var s Store = b
	if b.Remote {
		s = NewGuarded(s, "chunkstore-"+cfg.Store.Backend, cfg.Server.RequestTimeout, func(name string, to resilience.State) {
			if m != nil {
				m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			}
		})
	}
	if m != nil {
		s = NewInstrumented(s, m)
	}
	if !cfg.Cache.Enabled {
		return s, nil, nil
	}
	cached, err := NewCached(s, cfg.Cache)
	if err != nil {
		return nil, nil, err
	}
	cached.FetchTimeout = cfg.Server.RequestTimeout
	if m != nil {
		cached.OnHit = m.ChunkCacheHits.Inc
		cached.OnMiss = m.ChunkCacheMisses.Inc
	}
	return cached, cached, nil
}
