// Package store provides the embedded SQLite database backing the sync
// engine.
//
// The store holds three things: the entity records themselves (as typed
// attribute snapshots keyed by the normalized identity pair), the durable
// offline mutation queue, and a small key/value table for sync state such
// as the last successful cycle timestamp.
//
// The database runs in embedded mode with WAL so the interactive
// application can keep reading while a sync cycle writes. All
// sync-originated mutations go through the transaction manager in tx.go;
// see that file for the atomicity contract.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store wraps the SQLite connection with sync-engine-specific operations.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist, it is created; call InitSchema before
// first use. The caller MUST call Close() when done.
//
// Example:
//
//	st, err := store.Open(filepath.Join(dataDir, "trailbook.db"))
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	st := &Store{conn: conn, path: path}

	// WAL keeps readers unblocked while a sync transaction writes.
	if _, err := st.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := st.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := st.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return st, nil
}

// RawDB returns the underlying sql.DB connection.
// The offline queue builds its own statements on top of this.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// Idempotent; safe to call on every startup.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	-- Entity records: one row per local entity, all types in one table.
	-- The attribute snapshot is stored as JSON validated against the
	-- per-type field schema before it gets here.
	CREATE TABLE IF NOT EXISTS entities (
		entity_type TEXT NOT NULL,
		local_id    TEXT NOT NULL,
		server_id   TEXT,
		updated_at  TEXT NOT NULL,
		fields      TEXT NOT NULL,  -- JSON attribute snapshot
		PRIMARY KEY (entity_type, local_id)
	);

	-- A server id is unique within its type once assigned.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_entities_server
	    ON entities(entity_type, server_id) WHERE server_id IS NOT NULL;

	-- Fast lookup of purely-local records pending their first push.
	CREATE INDEX IF NOT EXISTS idx_entities_unpushed
	    ON entities(entity_type) WHERE server_id IS NULL;

	-- Durable offline mutation queue. Tasks survive process restarts;
	-- offline periods can span them.
	CREATE TABLE IF NOT EXISTS queue_tasks (
		id          TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		entity_id   TEXT NOT NULL,
		operation   TEXT NOT NULL,     -- create, update, delete
		priority    INTEGER NOT NULL,  -- 0=critical .. 3=low
		payload     TEXT NOT NULL,     -- JSON attribute snapshot
		created_at  TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		status      TEXT NOT NULL DEFAULT 'pending'
	);

	-- Priority-major dequeue: priority ASC, then strict FIFO by created_at.
	CREATE INDEX IF NOT EXISTS idx_queue_dequeue
	    ON queue_tasks(status, priority, created_at);

	-- At most one pending task per entity (supersession invariant).
	CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_entity_pending
	    ON queue_tasks(entity_type, entity_id) WHERE status = 'pending';

	-- Scalar sync state (last successful cycle timestamp, etc).
	CREATE TABLE IF NOT EXISTS sync_state (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	-- Conflicts parked by the manual strategy, durable so a human can
	-- resolve them from a later process.
	CREATE TABLE IF NOT EXISTS conflicts (
		entity_type    TEXT NOT NULL,
		entity_id      TEXT NOT NULL,
		kind           TEXT NOT NULL,
		local_version  TEXT NOT NULL,
		remote_version TEXT NOT NULL,
		local_fields   TEXT NOT NULL,  -- JSON attribute snapshot
		remote_fields  TEXT NOT NULL,  -- JSON attribute snapshot
		detected_at    TEXT NOT NULL,
		PRIMARY KEY (entity_type, entity_id)
	);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}
