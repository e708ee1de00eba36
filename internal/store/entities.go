package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/trailbook/trailbook/internal/entity"
)

// ErrNotFound is returned when a requested entity record does not exist.
var ErrNotFound = errors.New("store: entity not found")

// querier is satisfied by both *sql.DB and *sql.Tx, so the entity
// operations below work identically inside and outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// UpsertRecord inserts or updates an entity record.
//
// The snapshot is validated against the type's field schema first. An
// existing row with the same (type, local id) is replaced field-for-field;
// the server id column is only ever widened from NULL (SetServerID guards
// reassignment separately).
func (s *Store) UpsertRecord(ctx context.Context, rec *entity.Record) error {
	return upsertRecord(ctx, s.conn, rec)
}

func upsertRecord(ctx context.Context, q querier, rec *entity.Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	fieldsJSON, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	query := `
	INSERT INTO entities (entity_type, local_id, server_id, updated_at, fields)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(entity_type, local_id) DO UPDATE SET
		server_id  = COALESCE(entities.server_id, excluded.server_id),
		updated_at = excluded.updated_at,
		fields     = excluded.fields
	`

	_, err = q.ExecContext(ctx, query,
		string(rec.Type),
		rec.LocalID,
		nullIfEmpty(rec.ServerID),
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
		string(fieldsJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert %s %s: %w", rec.Type, rec.LocalID, err)
	}

	return nil
}

// GetRecord retrieves one entity by its local identifier.
// Returns ErrNotFound if no such record exists.
func (s *Store) GetRecord(ctx context.Context, t entity.Type, localID string) (*entity.Record, error) {
	return getRecord(ctx, s.conn, t, localID)
}

func getRecord(ctx context.Context, q querier, t entity.Type, localID string) (*entity.Record, error) {
	row := q.QueryRowContext(ctx, `
		SELECT entity_type, local_id, server_id, updated_at, fields
		FROM entities WHERE entity_type = ? AND local_id = ?`,
		string(t), localID)
	return scanRecord(row)
}

// GetRecordByServerID retrieves one entity by its remote identifier.
// Returns ErrNotFound if no local record carries that server id.
func (s *Store) GetRecordByServerID(ctx context.Context, t entity.Type, serverID string) (*entity.Record, error) {
	return getRecordByServerID(ctx, s.conn, t, serverID)
}

func getRecordByServerID(ctx context.Context, q querier, t entity.Type, serverID string) (*entity.Record, error) {
	row := q.QueryRowContext(ctx, `
		SELECT entity_type, local_id, server_id, updated_at, fields
		FROM entities WHERE entity_type = ? AND server_id = ?`,
		string(t), serverID)
	return scanRecord(row)
}

// ListRecords returns all records of one type, ordered by local id for
// deterministic iteration.
func (s *Store) ListRecords(ctx context.Context, t entity.Type) ([]*entity.Record, error) {
	return listRecords(ctx, s.conn, `
		SELECT entity_type, local_id, server_id, updated_at, fields
		FROM entities WHERE entity_type = ? ORDER BY local_id`,
		string(t))
}

// ListUnpushed returns the purely-local records of one type: those that
// have never been assigned a server id and are pending creation upstream.
func (s *Store) ListUnpushed(ctx context.Context, t entity.Type) ([]*entity.Record, error) {
	return listRecords(ctx, s.conn, `
		SELECT entity_type, local_id, server_id, updated_at, fields
		FROM entities WHERE entity_type = ? AND server_id IS NULL
		ORDER BY updated_at, local_id`,
		string(t))
}

func listRecords(ctx context.Context, q querier, query string, args ...any) ([]*entity.Record, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer rows.Close()

	var records []*entity.Record
	for rows.Next() {
		rec, err := scanRecordRows(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entities: %w", err)
	}

	return records, nil
}

// DeleteRecord removes an entity record.
// Returns nil if the record doesn't exist (idempotent).
func (s *Store) DeleteRecord(ctx context.Context, t entity.Type, localID string) error {
	return deleteRecord(ctx, s.conn, t, localID)
}

func deleteRecord(ctx context.Context, q querier, t entity.Type, localID string) error {
	_, err := q.ExecContext(ctx,
		`DELETE FROM entities WHERE entity_type = ? AND local_id = ?`,
		string(t), localID)
	if err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", t, localID, err)
	}
	return nil
}

// SetServerID assigns the remote identifier to a record after its first
// successful push. Assigning the same value again is a no-op; assigning a
// different value to a record that already has one is refused with
// entity.ErrServerIDMismatch and logged by the caller as a data-integrity
// fault.
func (s *Store) SetServerID(ctx context.Context, t entity.Type, localID, serverID string) error {
	return setServerID(ctx, s.conn, t, localID, serverID)
}

func setServerID(ctx context.Context, q querier, t entity.Type, localID, serverID string) error {
	if serverID == "" {
		return fmt.Errorf("server id cannot be empty")
	}

	res, err := q.ExecContext(ctx, `
		UPDATE entities SET server_id = ?
		WHERE entity_type = ? AND local_id = ?
		  AND (server_id IS NULL OR server_id = ?)`,
		serverID, string(t), localID, serverID)
	if err != nil {
		return fmt.Errorf("failed to set server id on %s %s: %w", t, localID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check server id update: %w", err)
	}
	if n == 0 {
		// Either the record is gone or it already carries a different
		// server id. Distinguish so the caller can log the right thing.
		existing, err := getRecord(ctx, q, t, localID)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s %s has %s, refusing %s",
			entity.ErrServerIDMismatch, t, localID, existing.ServerID, serverID)
	}

	return nil
}

// CountRecords returns the number of records of one type.
func (s *Store) CountRecords(ctx context.Context, t entity.Type) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entities WHERE entity_type = ?`, string(t)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s entities: %w", t, err)
	}
	return count, nil
}

// scanner abstracts *sql.Row and *sql.Rows for record scanning.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row *sql.Row) (*entity.Record, error) {
	rec, err := scanRecordFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func scanRecordRows(rows *sql.Rows) (*entity.Record, error) {
	return scanRecordFrom(rows)
}

func scanRecordFrom(sc scanner) (*entity.Record, error) {
	var (
		rec        entity.Record
		typ        string
		serverID   sql.NullString
		updatedAt  string
		fieldsJSON string
	)

	if err := sc.Scan(&typ, &rec.LocalID, &serverID, &updatedAt, &fieldsJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan entity: %w", err)
	}

	rec.Type = entity.Type(typ)
	if serverID.Valid {
		rec.ServerID = serverID.String
	}

	t, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	rec.UpdatedAt = t

	if err := json.Unmarshal([]byte(fieldsJSON), &rec.Fields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	return &rec, nil
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
