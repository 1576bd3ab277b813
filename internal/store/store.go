// Package store persists gateway state in a local SQLite file: audit
// entries, token-usage records, agent metadata (including the graveyard),
// and cron jobs. Pure-Go driver, zero CGO.
//
// All writes go through one connection (SetMaxOpenConns(1)) so concurrent
// writers serialize instead of hitting SQLITE_BUSY.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Store is the gateway's persistent state.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the state database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenMemory opens an in-memory store, used by tests.
func OpenMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS audit_entries (
			id TEXT PRIMARY KEY,
			trace_id TEXT NOT NULL,
			action_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_trace ON audit_entries(trace_id)`,
		`CREATE TABLE IF NOT EXISTS token_usage (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			model TEXT NOT NULL,
			role TEXT NOT NULL,
			prompt_tokens INTEGER NOT NULL,
			completion_tokens INTEGER NOT NULL,
			total_tokens INTEGER NOT NULL,
			estimated_cost REAL NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			tier INTEGER NOT NULL,
			type TEXT NOT NULL,
			parent_id TEXT,
			status TEXT NOT NULL,
			soul TEXT,
			mission TEXT,
			tools TEXT,
			model_chain TEXT,
			timeout_ms INTEGER NOT NULL DEFAULT 3600000,
			birth_time INTEGER NOT NULL,
			last_activity_at INTEGER NOT NULL,
			ended_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS cron_jobs (
			name TEXT PRIMARY KEY,
			id TEXT NOT NULL,
			expression TEXT NOT NULL,
			task TEXT NOT NULL,
			enabled INTEGER NOT NULL,
			timeout_seconds INTEGER NOT NULL DEFAULT 0,
			wake_mode TEXT NOT NULL DEFAULT 'next-heartbeat',
			run_once INTEGER NOT NULL DEFAULT 0,
			last_run_at_ms INTEGER,
			last_status TEXT,
			consecutive_errors INTEGER NOT NULL DEFAULT 0,
			next_scheduled_ms INTEGER
		)`,
	}

	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
