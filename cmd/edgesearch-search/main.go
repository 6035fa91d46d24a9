// Command edgesearch-search serves GET /search and GET /autocomplete over the
// build published in the configured chunk store and hot-swaps builds
// announced on Kafka.
//
// Usage:
//
//	go run ./cmd/edgesearch-search [-config configs/development.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Adithya-Monish-Kumar-K/edgesearch/internal/analytics/collector"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/internal/chunkstore"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/internal/index"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/internal/query"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/internal/searcher/cache"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/internal/searcher/handler"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/middleware"
	pkgredis "github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/redis"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup("edgesearch-search", cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting search service", "port", cfg.Server.Port, "store", cfg.Store.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port)
		defer shutdownMetrics(context.Background())
	}

	backend, err := chunkstore.OpenBackend(ctx, cfg)
	if err != nil {
		slog.Error("failed to open chunk store", "error", err)
		os.Exit(1)
	}
	defer backend.Close()

	store, chunkCache, err := chunkstore.ForSearch(backend, cfg, m)
	if err != nil {
		slog.Error("failed to build chunk read path", "error", err)
		os.Exit(1)
	}
	if chunkCache != nil {
		defer chunkCache.Close()
	}

	load := func(ctx context.Context) (handler.Searcher, error) {
		// Chunk keys are reused across builds.
		if chunkCache != nil {
			chunkCache.Clear()
		}
		dep, err := index.Load(ctx, store)
		if err != nil {
			return nil, err
		}
		ev, err := query.NewEvaluator(dep, store, query.Options{
			FetchConcurrency: cfg.Search.FetchConcurrency,
			HeapBytes:        cfg.Search.HeapBytes,
			Metrics:          m,
		})
		if err != nil {
			return nil, err
		}
		return ev, nil
	}

	searcher, err := load(ctx)
	if err != nil {
		slog.Error("failed to load build", "error", err)
		os.Exit(1)
	}

	checker := health.NewChecker()
	checker.Register("chunk_store", health.PingCheck(backend.Ping, false))

	var queryCache *cache.QueryCache
	if cfg.Redis.Enabled {
		redisClient, err := pkgredis.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("redis unavailable, result caching disabled", "error", err)
		} else {
			defer redisClient.Close()
			queryCache = cache.New(redisClient, cfg.Redis.CacheTTL, m)
			checker.Register("redis", health.PingCheck(redisClient.Ping, true))
			slog.Info("result cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.CacheTTL)
		}
	}

	var tracker handler.Tracker
	if cfg.Kafka.Enabled && cfg.Analytics.Enabled {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.AnalyticsEvents)
		defer producer.Close()
		bc := collector.NewBatchCollector(producer, cfg.Analytics.BatchSize, cfg.Analytics.FlushInterval)
		bc.Start(ctx)
		defer func() {
			stop()
			bc.Close()
		}()
		tracker = bc
		slog.Info("analytics collector started", "topic", cfg.Kafka.Topics.AnalyticsEvents)
	}

	h := handler.New(searcher, queryCache, tracker, m)
	checker.Register("build", health.Info(h.BuildID))

	if cfg.Kafka.Enabled {
		consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.IndexPublished, h.OnIndexPublished(load))
		defer consumer.Close()
		go func() {
			if err := consumer.Start(ctx); err != nil {
				slog.Error("index.published consumer error", "error", err)
			}
		}()
		slog.Info("watching for new builds", "topic", cfg.Kafka.Topics.IndexPublished)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /search", h.Search)
	mux.HandleFunc("GET /autocomplete", h.Autocomplete)
	mux.HandleFunc("GET /build", h.Build)
	mux.HandleFunc("GET /cache/stats", h.CacheStats)
	mux.HandleFunc("POST /cache/invalidate", h.CacheInvalidate)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var chain http.Handler = mux
	if m != nil {
		chain = middleware.Metrics(m)(chain)
	}
	chain = middleware.Timeout(cfg.Server.RequestTimeout)(chain)
	if cfg.Server.RateLimit > 0 {
		limiter := middleware.NewLimiter(cfg.Server.RateLimit, time.Minute)
		limiter.StartSweeper(ctx)
		chain = middleware.RateLimit(limiter)(chain)
	}
	chain = middleware.RequestID(chain)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("search service listening", "addr", server.Addr, "build_id", searcher.BuildID())
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("search service stopped")
}
