// Package store provides the durable SQLite-backed state for jobs and
// idempotency keys. The database is the source of truth for the lifecycle
// engine; containers are reconciled against it at startup.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

func init() {
	// modernc registers itself as "sqlite"; teach sqlx its bindvar style.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Store wraps the database handle shared by all repositories.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if necessary) the database at path and runs migrations.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// churn under concurrent admission.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

// DB exposes the underlying handle for repositories sharing this database.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		job_type TEXT NOT NULL CHECK (job_type IN ('worker', 'agent')),
		status TEXT NOT NULL CHECK (status IN ('pending', 'starting', 'running', 'completed', 'failed', 'timed_out', 'cancelled', 'cleaning', 'cleaned')),
		command TEXT,
		task TEXT,
		context TEXT,
		git_branch TEXT,
		files_id TEXT,
		image TEXT NOT NULL,
		cpus INTEGER NOT NULL DEFAULT 2,
		memory_gb INTEGER NOT NULL DEFAULT 4,
		timeout_minutes INTEGER NOT NULL DEFAULT 30,
		container_id TEXT,
		exit_code INTEGER,
		error TEXT,
		created_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
	`CREATE TABLE IF NOT EXISTS idempotency_keys (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		client_job_id TEXT NOT NULL,
		job_id TEXT NOT NULL REFERENCES jobs(id),
		active INTEGER NOT NULL DEFAULT 1
	)`,
	// A key may map to many historical jobs but to at most one active one.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_idempotency_active ON idempotency_keys(client_job_id) WHERE active = 1`,
	`CREATE TABLE IF NOT EXISTS uploads (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL CHECK (state IN ('uploading', 'finalized', 'consumed', 'expired')),
		size_bytes INTEGER,
		file_count INTEGER,
		created_at TEXT NOT NULL,
		finalized_at TEXT,
		consumed_at TEXT,
		expires_at TEXT,
		job_id TEXT REFERENCES jobs(id) ON DELETE SET NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_uploads_state ON uploads(state)`,
	`CREATE INDEX IF NOT EXISTS idx_uploads_expires_at ON uploads(expires_at)`,
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Timestamps are stored as RFC 3339 UTC text.

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func parseTimePtr(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t := parseTime(*s)
	return &t
}
