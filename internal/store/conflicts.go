package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/trailbook/trailbook/internal/conflict"
	"github.com/trailbook/trailbook/internal/entity"
)

// SaveConflict parks a conflict durably. The newest detection for an
// entity replaces an older one.
func (s *Store) SaveConflict(ctx context.Context, rec *conflict.Record) error {
	localJSON, err := json.Marshal(rec.LocalFields)
	if err != nil {
		return fmt.Errorf("failed to marshal local snapshot: %w", err)
	}
	remoteJSON, err := json.Marshal(rec.RemoteFields)
	if err != nil {
		return fmt.Errorf("failed to marshal remote snapshot: %w", err)
	}

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO conflicts
			(entity_type, entity_id, kind, local_version, remote_version,
			 local_fields, remote_fields, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET
			kind           = excluded.kind,
			local_version  = excluded.local_version,
			remote_version = excluded.remote_version,
			local_fields   = excluded.local_fields,
			remote_fields  = excluded.remote_fields,
			detected_at    = excluded.detected_at`,
		string(rec.EntityType), rec.EntityID, string(rec.Kind),
		rec.LocalVersion.UTC().Format(time.RFC3339Nano),
		rec.RemoteVersion.UTC().Format(time.RFC3339Nano),
		string(localJSON), string(remoteJSON),
		rec.DetectedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save conflict on %s %s: %w", rec.EntityType, rec.EntityID, err)
	}

	return nil
}

// ListConflicts returns all parked conflicts, ordered by entity type then
// id for stable display.
func (s *Store) ListConflicts(ctx context.Context) ([]*conflict.Record, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT entity_type, entity_id, kind, local_version, remote_version,
		       local_fields, remote_fields, detected_at
		FROM conflicts
		ORDER BY entity_type, entity_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	var out []*conflict.Record
	for rows.Next() {
		var (
			rec        conflict.Record
			typ        string
			kind       string
			localVer   string
			remoteVer  string
			localJSON  string
			remoteJSON string
			detectedAt string
		)
		if err := rows.Scan(&typ, &rec.EntityID, &kind, &localVer, &remoteVer,
			&localJSON, &remoteJSON, &detectedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}

		rec.EntityType = entity.Type(typ)
		rec.Kind = conflict.Kind(kind)

		if rec.LocalVersion, err = time.Parse(time.RFC3339Nano, localVer); err != nil {
			return nil, fmt.Errorf("failed to parse local_version: %w", err)
		}
		if rec.RemoteVersion, err = time.Parse(time.RFC3339Nano, remoteVer); err != nil {
			return nil, fmt.Errorf("failed to parse remote_version: %w", err)
		}
		if rec.DetectedAt, err = time.Parse(time.RFC3339Nano, detectedAt); err != nil {
			return nil, fmt.Errorf("failed to parse detected_at: %w", err)
		}
		if err := json.Unmarshal([]byte(localJSON), &rec.LocalFields); err != nil {
			return nil, fmt.Errorf("failed to unmarshal local snapshot: %w", err)
		}
		if err := json.Unmarshal([]byte(remoteJSON), &rec.RemoteFields); err != nil {
			return nil, fmt.Errorf("failed to unmarshal remote snapshot: %w", err)
		}

		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}

	return out, nil
}

// DeleteConflict removes a parked conflict after resolution.
// Removing an unknown conflict is not an error.
func (s *Store) DeleteConflict(ctx context.Context, t entity.Type, entityID string) error {
	_, err := s.conn.ExecContext(ctx,
		`DELETE FROM conflicts WHERE entity_type = ? AND entity_id = ?`,
		string(t), entityID)
	if err != nil {
		return fmt.Errorf("failed to delete conflict on %s %s: %w", t, entityID, err)
	}
	return nil
}

// CountConflicts returns the number of parked conflicts.
func (s *Store) CountConflicts(ctx context.Context) (int, error) {
	var n int
	if err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conflicts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count conflicts: %w", err)
	}
	return n, nil
}
