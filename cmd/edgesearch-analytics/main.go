// Command edgesearch-analytics consumes query events published by the
// search service, aggregates them in memory and serves the result at
// GET /api/v1/analytics. With analytics.snapshotBackend set, aggregates are
// also written to PostgreSQL or SQLite periodically and listed at
// GET /api/v1/analytics/snapshots.
//
// Usage:
//
//	go run ./cmd/edgesearch-analytics [-config configs/development.yaml]
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

	"github.com/Adithya-Monish-Kumar-K/edgesearch/internal/analytics"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/internal/analytics/aggregator"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/database"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/middleware"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup("edgesearch-analytics", cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting analytics service", "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port)
		defer shutdownMetrics(context.Background())
	}

	agg := analytics.NewAggregator()
	checker := health.NewChecker()

	var snapshots analytics.SnapshotLister
	var saved <-chan struct{}
	if backend := cfg.Analytics.SnapshotBackend; backend != "" {
		db, err := openSnapshotDB(backend, cfg)
		if err != nil {
			slog.Error("failed to open snapshot database", "backend", backend, "error", err)
			os.Exit(1)
		}
		defer db.Close()
		store := aggregator.NewStore(db, cfg.Analytics.SnapshotRetention)
		if err := store.EnsureSchema(ctx); err != nil {
			slog.Error("failed to prepare snapshot table", "error", err)
			os.Exit(1)
		}
		saved = store.StartPeriodicSave(ctx, agg, cfg.Analytics.SnapshotInterval)
		snapshots = store
		checker.Register("snapshot_db", health.PingCheck(db.DB.PingContext, true))
	}

	consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.AnalyticsEvents, agg.HandleMessage)
	defer consumer.Close()
	go func() {
		if err := consumer.Start(ctx); err != nil {
			slog.Error("analytics consumer error", "error", err)
		}
	}()
	slog.Info("analytics consumer started", "topic", cfg.Kafka.Topics.AnalyticsEvents)

	analyticsHandler := analytics.NewHandler(agg, snapshots)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/analytics", analyticsHandler.Stats)
	mux.HandleFunc("GET /api/v1/analytics/snapshots", analyticsHandler.Snapshots)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var chain http.Handler = mux
	if m != nil {
		chain = middleware.Metrics(m)(chain)
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

	slog.Info("analytics service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	if saved != nil {
		<-saved
	}
	slog.Info("analytics service stopped")
}

func openSnapshotDB(backend string, cfg *config.Config) (*database.Client, error) {
	if backend == "postgres" {
		return database.OpenPostgres(cfg.Postgres)
	}
	return database.OpenSQLite(cfg.Analytics.SnapshotSQLitePath)
}
