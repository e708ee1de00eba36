package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const lastSyncedKey = "last_synced_at"

// LastSyncedAt returns the completion timestamp of the last fully
// successful sync cycle, or the zero time if no cycle has completed yet.
// Read at startup to decide staleness for the UI.
func (s *Store) LastSyncedAt(ctx context.Context) (time.Time, error) {
	var value string
	err := s.conn.QueryRowContext(ctx,
		`SELECT value FROM sync_state WHERE key = ?`, lastSyncedKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read last sync time: %w", err)
	}

	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse last sync time: %w", err)
	}
	return t, nil
}

// SetLastSyncedAt records the completion timestamp of a fully successful
// cycle. The orchestrator calls this only when every entity type completed
// without an unrecoverable error.
func (s *Store) SetLastSyncedAt(ctx context.Context, t time.Time) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		lastSyncedKey, t.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to record last sync time: %w", err)
	}
	return nil
}
