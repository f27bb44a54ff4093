package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteDedupe persists dedupe marks in a local SQLite file so redeliveries
// are absorbed across restarts.
type SQLiteDedupe struct {
	db        *sql.DB
	retention time.Duration
}

// NewSQLiteDedupe opens (or creates) the dedupe database at path.
func NewSQLiteDedupe(path string, retention time.Duration) (*SQLiteDedupe, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create dedupe directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open dedupe database: %w", err)
	}
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS deliveries (
			dedupe_key TEXT PRIMARY KEY,
			marked_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create deliveries table: %w", err)
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_deliveries_marked_at ON deliveries(marked_at)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create deliveries index: %w", err)
	}

	return &SQLiteDedupe{db: db, retention: retention}, nil
}

func (s *SQLiteDedupe) Seen(ctx context.Context, key string, now time.Time) (bool, error) {
	var markedAt int64
	err := s.db.QueryRowContext(ctx, `SELECT marked_at FROM deliveries WHERE dedupe_key = ?`, key).Scan(&markedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query dedupe key: %w", err)
	}

	if s.retention <= 0 {
		return true, nil
	}
	return now.Sub(time.UnixMilli(markedAt)) < s.retention, nil
}

func (s *SQLiteDedupe) Mark(ctx context.Context, key string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deliveries (dedupe_key, marked_at) VALUES (?, ?)
		ON CONFLICT(dedupe_key) DO UPDATE SET marked_at = excluded.marked_at
	`, key, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("mark dedupe key: %w", err)
	}

	if s.retention > 0 {
		cutoff := at.Add(-s.retention).UnixMilli()
		if _, err := s.db.ExecContext(ctx, `DELETE FROM deliveries WHERE marked_at < ?`, cutoff); err != nil {
			return fmt.Errorf("prune dedupe keys: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteDedupe) Close() error {
	return s.db.Close()
}
