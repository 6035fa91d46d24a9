package chunkstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/database"
)

// SQL keeps artifacts in a two-column table (chunk_key, data). The same
// statements run on PostgreSQL and SQLite apart from placeholders.
type SQL struct {
	client *database.Client
	table  string
	getQ   string
	putQ   string
}

func NewSQL(client *database.Client, table string) (*SQL, error) {
	if !validIdentifier(table) {
		return nil, fmt.Errorf("invalid chunk table name %q", table)
	}
	d := client.Dialect
	return &SQL{
		client: client,
		table:  table,
		getQ:   fmt.Sprintf("SELECT data FROM %s WHERE chunk_key = %s", table, d.Placeholder(1)),
		putQ: fmt.Sprintf("INSERT INTO %s (chunk_key, data) VALUES (%s, %s) ON CONFLICT (chunk_key) DO UPDATE SET data = excluded.data",
			table, d.Placeholder(1), d.Placeholder(2)),
	}, nil
}

func validIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// EnsureSchema creates the chunk table if it does not exist.
func (s *SQL) EnsureSchema(ctx context.Context) error {
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (chunk_key TEXT PRIMARY KEY, data %s NOT NULL)",
		s.table, s.client.Dialect.BlobType())
	if _, err := s.client.DB.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("creating chunk table %s: %w", s.table, err)
	}
	return nil
}

func (s *SQL) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.client.DB.QueryRowContext(ctx, s.getQ, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("selecting %s: %w", key, err)
	}
	return data, nil
}

func (s *SQL) Put(ctx context.Context, key string, data []byte) error {
	if _, err := s.client.DB.ExecContext(ctx, s.putQ, key, data); err != nil {
		return fmt.Errorf("upserting %s: %w", key, err)
	}
	return nil
}

// PutAll upserts items in one transaction.
func (s *SQL) PutAll(ctx context.Context, items []Item) error {
	return s.client.InTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, s.putQ)
		if err != nil {
			return fmt.Errorf("preparing upsert: %w", err)
		}
		defer stmt.Close()
		for _, it := range items {
			if _, err := stmt.ExecContext(ctx, it.Key, it.Data); err != nil {
				return fmt.Errorf("upserting %s: %w", it.Key, err)
			}
		}
		return nil
	})
}
