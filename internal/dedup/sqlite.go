package dedup

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const dedupTable = "dedup_records"

const createTableSQL = `
CREATE TABLE IF NOT EXISTS dedup_records (
	id         TEXT PRIMARY KEY,
	first_seen INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dedup_records_expires_at ON dedup_records(expires_at);
`

// SQLiteStore persists identifiers in a local SQLite database.
type SQLiteStore struct {
	*window

	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string, retention time.Duration) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite backend requires a path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer keeps check-and-record serialized.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create dedup table: %w", err)
	}

	return &SQLiteStore{window: newWindow(retention), db: db}, nil
}

// ShouldAlert reports whether id is absent or expired.
func (s *SQLiteStore) ShouldAlert(ctx context.Context, id string, now time.Time) (bool, error) {
	if id == "" {
		return false, ErrEmptyID
	}
	query, args, err := sq.Select("expires_at").
		From(dedupTable).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build query: %w", err)
	}

	var expiresAt int64
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&expiresAt)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query dedup record: %w", err)
	}
	return now.UnixMilli() >= expiresAt, nil
}

// Record marks id as alerted at now, replacing any previous entry.
func (s *SQLiteStore) Record(ctx context.Context, id string, now time.Time) error {
	if id == "" {
		return ErrEmptyID
	}
	query, args, err := sq.Insert(dedupTable).
		Columns("id", "first_seen", "expires_at").
		Values(id, now.UnixMilli(), now.Add(s.Retention()).UnixMilli()).
		Suffix("ON CONFLICT(id) DO UPDATE SET first_seen = excluded.first_seen, expires_at = excluded.expires_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to record identifier: %w", err)
	}
	return nil
}

// CheckAndRecord inserts id, or refreshes it only when the stored entry has
// expired. A changed row means the identifier was new.
func (s *SQLiteStore) CheckAndRecord(ctx context.Context, id string, now time.Time) (bool, error) {
	if id == "" {
		return false, ErrEmptyID
	}
	nowMs := now.UnixMilli()
	query, args, err := sq.Insert(dedupTable).
		Columns("id", "first_seen", "expires_at").
		Values(id, nowMs, now.Add(s.Retention()).UnixMilli()).
		Suffix("ON CONFLICT(id) DO UPDATE SET first_seen = excluded.first_seen, expires_at = excluded.expires_at WHERE dedup_records.expires_at <= ?", nowMs).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build insert: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to record identifier: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// Purge deletes expired rows.
func (s *SQLiteStore) Purge(ctx context.Context, now time.Time) (int, error) {
	query, args, err := sq.Delete(dedupTable).
		Where(sq.LtOrEq{"expires_at": now.UnixMilli()}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build delete: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to purge dedup records: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
