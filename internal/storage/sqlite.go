// Package storage opens the SQLite ledger database.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Single writer connection.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
	} {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
//
// jobs mirrors one run directory each: the filesystem stays the source of
// truth for results, the ledger records lifecycle and diagnostics.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
  id           TEXT NOT NULL,
  owner        TEXT NOT NULL,
  status       TEXT NOT NULL,
  run_dir      TEXT NOT NULL,
  exit_code    INTEGER,
  created_at   TEXT NOT NULL,
  started_at   TEXT,
  completed_at TEXT,
  last_error   TEXT,
  stderr       TEXT,
  PRIMARY KEY (owner, id)
);`,
		`CREATE TABLE IF NOT EXISTS archive_tasks (
  id           TEXT PRIMARY KEY,
  job_id       TEXT NOT NULL,
  owner        TEXT NOT NULL,
  status       TEXT NOT NULL,
  path         TEXT NOT NULL,
  created_at   TEXT NOT NULL,
  completed_at TEXT,
  last_error   TEXT,
  FOREIGN KEY (owner, job_id) REFERENCES jobs(owner, id) ON DELETE CASCADE
);`,
		`CREATE INDEX IF NOT EXISTS jobs_status_created_at_idx ON jobs(status, created_at);`,
		`CREATE INDEX IF NOT EXISTS archive_tasks_job_idx ON archive_tasks(owner, job_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
