// Package cache implements the sync engine's local cache store (C3): a
// SQLite-backed mirror of each side's folders and envelope snapshots, plus
// on-disk MML body files, and an adapter exposing that mirror through the
// same capability surface (internal/backend.Features) the diff/executor
// engines use for any other backend.
package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tethermail/tether/internal/logging"
	_ "modernc.org/sqlite"
)

const (
	// MaxOpenConns mirrors the teacher's reasoning: SQLite WAL allows only
	// one writer at a time, so a large pool just adds lock contention.
	MaxOpenConns = 8
	MaxIdleConns = 4

	// CheckpointInterval bounds WAL growth between syncs.
	CheckpointInterval = 5 * time.Minute
)

// DB wraps the cache's SQLite connection and body-file root.
type DB struct {
	*sql.DB
	path     string
	bodyRoot string
}

// Open opens or creates the cache database at path, with its body-file
// store rooted at bodyRoot.
func Open(path, bodyRoot string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	if err := os.MkdirAll(bodyRoot, 0700); err != nil {
		return nil, fmt.Errorf("create cache body root: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(30000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=cache_size(-64000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}

	db.SetMaxOpenConns(MaxOpenConns)
	db.SetMaxIdleConns(MaxIdleConns)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping cache database: %w", err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		db.Close()
		return nil, fmt.Errorf("set cache database permissions: %w", err)
	}

	return &DB{DB: db, path: path, bodyRoot: bodyRoot}, nil
}

// Path returns the cache database file path.
func (db *DB) Path() string { return db.path }

// Close closes the underlying connection.
func (db *DB) Close() error { return db.DB.Close() }

// Checkpoint runs a passive WAL checkpoint.
func (db *DB) Checkpoint() error {
	if _, err := db.Exec("PRAGMA wal_checkpoint(PASSIVE)"); err != nil {
		return fmt.Errorf("checkpoint cache WAL: %w", err)
	}
	return nil
}

// StartCheckpointRoutine periodically checkpoints the WAL until ctx is
// cancelled. Intended to run for the lifetime of a long-lived process that
// performs repeated syncs against this DB.
func (db *DB) StartCheckpointRoutine(ctx context.Context) {
	log := logging.WithComponent("cache")

	ticker := time.NewTicker(CheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := db.Checkpoint(); err != nil {
				log.Error().Err(err).Msg("periodic cache WAL checkpoint failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Migrate applies every pending schema migration in order.
func (db *DB) Migrate() error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var current int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&current); err != nil {
		return fmt.Errorf("read current migration version: %w", err)
	}

	for _, m := range migrations {
		if m.Version > current {
			if err := db.applyMigration(m); err != nil {
				return fmt.Errorf("apply migration %d: %w", m.Version, err)
			}
		}
	}
	return nil
}

func (db *DB) applyMigration(m Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return fmt.Errorf("migration SQL: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (?)", m.Version); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return tx.Commit()
}
