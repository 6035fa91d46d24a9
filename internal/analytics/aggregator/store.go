// Package aggregator persists periodic snapshots of aggregated query stats
// to PostgreSQL or SQLite.
package aggregator

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/edgesearch/internal/analytics"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/database"
)

// StatsSource is what the store snapshots.
type StatsSource interface {
	Stats() analytics.AggregatedStats
}

// Store keeps snapshots in an analytics_snapshots table. The full stats are
// stored as JSON; build_id and total_queries are copied out so they can be
// queried directly.
type Store struct {
	db *database.Client
	// retain caps the number of rows; zero keeps every snapshot.
	retain int
	logger *slog.Logger
}

func NewStore(db *database.Client, retain int) *Store {
	return &Store{
		db:     db,
		retain: retain,
		logger: slog.Default().With("component", "analytics-store", "dialect", db.Dialect),
	}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	id := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.db.Dialect == database.DialectPostgres {
		id = "id BIGSERIAL PRIMARY KEY"
	}
	stmt := `CREATE TABLE IF NOT EXISTS analytics_snapshots (
	` + id + `,
	build_id TEXT NOT NULL,
	total_queries BIGINT NOT NULL,
	data TEXT NOT NULL,
	captured_at BIGINT NOT NULL
)`
	if _, err := s.db.DB.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("creating analytics_snapshots: %w", err)
	}
	return nil
}

// SaveSnapshot inserts stats and trims rows beyond the retention limit in
// the same transaction.
func (s *Store) SaveSnapshot(ctx context.Context, stats analytics.AggregatedStats) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	p := s.db.Dialect.Placeholder
	insert := fmt.Sprintf(
		`INSERT INTO analytics_snapshots (build_id, total_queries, data, captured_at) VALUES (%s, %s, %s, %s)`,
		p(1), p(2), p(3), p(4),
	)
	var trimmed int64
	err = s.db.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, insert, stats.BuildID, stats.TotalQueries, string(data), time.Now().UTC().UnixMilli()); err != nil {
			return err
		}
		if s.retain <= 0 {
			return nil
		}
		res, err := tx.ExecContext(ctx, fmt.Sprintf(
			`DELETE FROM analytics_snapshots WHERE id NOT IN (SELECT id FROM analytics_snapshots ORDER BY id DESC LIMIT %s)`, p(1),
		), s.retain)
		if err != nil {
			return err
		}
		trimmed, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("saving analytics snapshot: %w", err)
	}
	s.logger.Info("analytics snapshot saved", "build_id", stats.BuildID, "total_queries", stats.TotalQueries, "trimmed", trimmed)
	return nil
}

// LatestSnapshot returns nil, nil when no snapshot exists yet.
func (s *Store) LatestSnapshot(ctx context.Context) (*analytics.AggregatedStats, error) {
	list, err := s.ListSnapshots(ctx, 1)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return &list[0], nil
}

// ListSnapshots returns the last limit snapshots, newest first. Rows that no
// longer decode are skipped.
func (s *Store) ListSnapshots(ctx context.Context, limit int) ([]analytics.AggregatedStats, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT id, data FROM analytics_snapshots ORDER BY id DESC LIMIT `+s.db.Dialect.Placeholder(1),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	defer rows.Close()

	var out []analytics.AggregatedStats
	for rows.Next() {
		var (
			id   int64
			data string
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scanning snapshot row: %w", err)
		}
		var stats analytics.AggregatedStats
		if err := json.Unmarshal([]byte(data), &stats); err != nil {
			s.logger.Warn("skipping undecodable snapshot", "id", id, "error", err)
			continue
		}
		out = append(out, stats)
	}
	return out, rows.Err()
}

// StartPeriodicSave snapshots src every interval until ctx ends, then takes
// one final snapshot. The returned channel closes once that has happened.
func (s *Store) StartPeriodicSave(ctx context.Context, src StatsSource, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	s.logger.Info("periodic snapshot started", "interval", interval, "retain", s.retain)
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.SaveSnapshot(ctx, src.Stats()); err != nil {
					s.logger.Error("periodic snapshot failed", "error", err)
				}
			case <-ctx.Done():
				final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := s.SaveSnapshot(final, src.Stats()); err != nil {
					s.logger.Error("final snapshot failed", "error", err)
				}
				return
			}
		}
	}()
	return done
}
