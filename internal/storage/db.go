// Package storage provides the embedded SQLite storage layer: policy
// rows, per-agent drift sessions, and the append-only enforce-call log.
//
// The database runs in WAL mode so telemetry reads never block the
// enforcement write path. All read-modify-write operations run inside
// immediate transactions and are retried on SQLITE_BUSY.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"

	_ "modernc.org/sqlite"
)

// DB wraps the embedded store handle.
type DB struct {
	sql    *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the SQLite file at path and applies
// the pragmas the concurrency model depends on.
func Open(ctx context.Context, path string, logger *slog.Logger) (*DB, error) {
	dsn := "file:" + url.PathEscape(path) +
		"?_txlock=immediate" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(1)"

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("storage: ping %s: %w", path, err)
	}

	return &DB{sql: sqlDB, logger: logger}, nil
}

// Ping checks connectivity to the store.
func (db *DB) Ping(ctx context.Context) error {
	return db.sql.PingContext(ctx)
}

// Close shuts down the store handle.
func (db *DB) Close() error {
	return db.sql.Close()
}

// inTx runs fn inside a single immediate transaction, committing on
// success and rolling back on error.
func (db *DB) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit tx: %w", err)
	}
	return nil
}
