package store

import (
	"context"
	"fmt"

	"github.com/trailbook/trailbook/internal/entity"
)

// Tx is a mutation-scoped view of the store. All writes made through a Tx
// become visible atomically on commit; readers on the main connection see
// either none of them or all of them.
type Tx struct {
	tx querier
}

// UpsertRecord inserts or updates an entity record within the transaction.
func (t *Tx) UpsertRecord(ctx context.Context, rec *entity.Record) error {
	return upsertRecord(ctx, t.tx, rec)
}

// GetRecord retrieves one entity by local id within the transaction.
func (t *Tx) GetRecord(ctx context.Context, typ entity.Type, localID string) (*entity.Record, error) {
	rec, err := getRecord(ctx, t.tx, typ, localID)
	return rec, err
}

// GetRecordByServerID retrieves one entity by server id within the transaction.
func (t *Tx) GetRecordByServerID(ctx context.Context, typ entity.Type, serverID string) (*entity.Record, error) {
	return getRecordByServerID(ctx, t.tx, typ, serverID)
}

// DeleteRecord removes an entity record within the transaction.
func (t *Tx) DeleteRecord(ctx context.Context, typ entity.Type, localID string) error {
	return deleteRecord(ctx, t.tx, typ, localID)
}

// SetServerID assigns a server id within the transaction, with the same
// set-once guard as Store.SetServerID.
func (t *Tx) SetServerID(ctx context.Context, typ entity.Type, localID, serverID string) error {
	return setServerID(ctx, t.tx, typ, localID, serverID)
}

// ListUnpushed returns purely-local records of one type within the transaction.
func (t *Tx) ListUnpushed(ctx context.Context, typ entity.Type) ([]*entity.Record, error) {
	return listRecords(ctx, t.tx, `
		SELECT entity_type, local_id, server_id, updated_at, fields
		FROM entities WHERE entity_type = ? AND server_id IS NULL
		ORDER BY updated_at, local_id`,
		string(typ))
}

// Perform runs fn inside a transaction and commits if fn returns nil.
//
// On a non-nil error the transaction is rolled back, but Perform makes no
// guarantee about panics escaping fn: a panic unwinds past the rollback
// and cleanup is left to the database driver. Use PerformAtomic for any
// multi-entity write during a sync cycle.
func (s *Store) Perform(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&Tx{tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// PerformAtomic runs fn inside a transaction with full rollback semantics:
// the transaction is rolled back and the error re-raised if fn returns an
// error OR panics. Partial writes across dependent entity types would
// violate the dependency invariant, so the orchestrator routes every
// multi-entity write through this variant.
func (s *Store) PerformAtomic(ctx context.Context, fn func(tx *Tx) error) (err error) {
	sqlTx, beginErr := s.conn.BeginTx(ctx, nil)
	if beginErr != nil {
		return fmt.Errorf("failed to begin transaction: %w", beginErr)
	}

	committed := false
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if !committed {
			_ = sqlTx.Rollback()
		}
	}()

	if err := fn(&Tx{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true

	return nil
}
