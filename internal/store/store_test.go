package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/trailbook/trailbook/internal/conflict"
	"github.com/trailbook/trailbook/internal/entity"
)

func testStore(t *testing.T) *Store {
	t.Helper()

	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	if err := st.InitSchema(); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}
	return st
}

func tripRecord(localID string) *entity.Record {
	return &entity.Record{
		Type:      entity.TypeTrip,
		LocalID:   localID,
		UpdatedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Fields:    entity.Snapshot{"title": "Iceland 2026", "archived": false},
	}
}

func TestRecordRoundtrip(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	rec := tripRecord("l-1")
	if err := st.UpsertRecord(ctx, rec); err != nil {
		t.Fatalf("UpsertRecord failed: %v", err)
	}

	got, err := st.GetRecord(ctx, entity.TypeTrip, "l-1")
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if got.Fields["title"] != "Iceland 2026" {
		t.Errorf("title = %v, want Iceland 2026", got.Fields["title"])
	}
	if !got.UpdatedAt.Equal(rec.UpdatedAt) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, rec.UpdatedAt)
	}
	if got.ServerID != "" {
		t.Errorf("ServerID = %q, want empty", got.ServerID)
	}

	if _, err := st.GetRecord(ctx, entity.TypeTrip, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing record err = %v, want ErrNotFound", err)
	}
}

func TestUpsertRejectsInvalidSnapshot(t *testing.T) {
	st := testStore(t)

	rec := tripRecord("l-1")
	rec.Fields["weather"] = "sunny"
	if err := st.UpsertRecord(context.Background(), rec); err == nil {
		t.Error("expected validation error for unknown field")
	}
}

func TestGetRecordByServerID(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	rec := tripRecord("l-1")
	rec.ServerID = "s-1"
	if err := st.UpsertRecord(ctx, rec); err != nil {
		t.Fatalf("UpsertRecord failed: %v", err)
	}

	got, err := st.GetRecordByServerID(ctx, entity.TypeTrip, "s-1")
	if err != nil {
		t.Fatalf("GetRecordByServerID failed: %v", err)
	}
	if got.LocalID != "l-1" {
		t.Errorf("LocalID = %q, want l-1", got.LocalID)
	}
}

func TestSetServerIDSetOnce(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if err := st.UpsertRecord(ctx, tripRecord("l-1")); err != nil {
		t.Fatalf("UpsertRecord failed: %v", err)
	}

	if err := st.SetServerID(ctx, entity.TypeTrip, "l-1", "s-1"); err != nil {
		t.Fatalf("first assignment failed: %v", err)
	}
	if err := st.SetServerID(ctx, entity.TypeTrip, "l-1", "s-1"); err != nil {
		t.Fatalf("idempotent reassignment failed: %v", err)
	}

	err := st.SetServerID(ctx, entity.TypeTrip, "l-1", "s-2")
	if !errors.Is(err, entity.ErrServerIDMismatch) {
		t.Fatalf("err = %v, want ErrServerIDMismatch", err)
	}

	got, err := st.GetRecord(ctx, entity.TypeTrip, "l-1")
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if got.ServerID != "s-1" {
		t.Errorf("ServerID = %q, want the original s-1", got.ServerID)
	}
}

func TestUpsertNeverClearsServerID(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	rec := tripRecord("l-1")
	rec.ServerID = "s-1"
	if err := st.UpsertRecord(ctx, rec); err != nil {
		t.Fatalf("UpsertRecord failed: %v", err)
	}

	// An app-side save without the server id must not wipe it.
	bare := tripRecord("l-1")
	bare.UpdatedAt = rec.UpdatedAt.Add(time.Minute)
	if err := st.UpsertRecord(ctx, bare); err != nil {
		t.Fatalf("UpsertRecord failed: %v", err)
	}

	got, err := st.GetRecord(ctx, entity.TypeTrip, "l-1")
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if got.ServerID != "s-1" {
		t.Errorf("ServerID = %q, want s-1 preserved", got.ServerID)
	}
}

func TestListUnpushed(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	pushed := tripRecord("l-1")
	pushed.ServerID = "s-1"
	local := tripRecord("l-2")

	for _, rec := range []*entity.Record{pushed, local} {
		if err := st.UpsertRecord(ctx, rec); err != nil {
			t.Fatalf("UpsertRecord failed: %v", err)
		}
	}

	got, err := st.ListUnpushed(ctx, entity.TypeTrip)
	if err != nil {
		t.Fatalf("ListUnpushed failed: %v", err)
	}
	if len(got) != 1 || got[0].LocalID != "l-2" {
		t.Errorf("ListUnpushed = %v, want only l-2", got)
	}
}

func TestPerformAtomicRollsBackOnError(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	err := st.PerformAtomic(ctx, func(tx *Tx) error {
		if err := tx.UpsertRecord(ctx, tripRecord("l-1")); err != nil {
			return err
		}
		return fmt.Errorf("simulated failure")
	})
	if err == nil {
		t.Fatal("expected the callback error")
	}

	if _, err := st.GetRecord(ctx, entity.TypeTrip, "l-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("record survived a rolled-back transaction: %v", err)
	}
}

func TestPerformAtomicRollsBackOnPanic(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected the panic to propagate")
			}
		}()
		_ = st.PerformAtomic(ctx, func(tx *Tx) error {
			if err := tx.UpsertRecord(ctx, tripRecord("l-1")); err != nil {
				return err
			}
			panic("mid-transaction crash")
		})
	}()

	if _, err := st.GetRecord(ctx, entity.TypeTrip, "l-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("record survived a panicked transaction: %v", err)
	}
}

func TestPerformAtomicCommits(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	err := st.PerformAtomic(ctx, func(tx *Tx) error {
		if err := tx.UpsertRecord(ctx, tripRecord("l-1")); err != nil {
			return err
		}
		return tx.UpsertRecord(ctx, tripRecord("l-2"))
	})
	if err != nil {
		t.Fatalf("PerformAtomic failed: %v", err)
	}

	n, err := st.CountRecords(ctx, entity.TypeTrip)
	if err != nil {
		t.Fatalf("CountRecords failed: %v", err)
	}
	if n != 2 {
		t.Errorf("CountRecords = %d, want 2", n)
	}
}

func TestLastSyncedAt(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	got, err := st.LastSyncedAt(ctx)
	if err != nil {
		t.Fatalf("LastSyncedAt failed: %v", err)
	}
	if !got.IsZero() {
		t.Errorf("initial LastSyncedAt = %v, want zero", got)
	}

	at := time.Date(2026, 8, 27, 9, 30, 0, 0, time.UTC)
	if err := st.SetLastSyncedAt(ctx, at); err != nil {
		t.Fatalf("SetLastSyncedAt failed: %v", err)
	}

	got, err = st.LastSyncedAt(ctx)
	if err != nil {
		t.Fatalf("LastSyncedAt failed: %v", err)
	}
	if !got.Equal(at) {
		t.Errorf("LastSyncedAt = %v, want %v", got, at)
	}
}

func TestConflictPersistence(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	rec := &conflict.Record{
		EntityType:    entity.TypeTrip,
		EntityID:      "l-1",
		Kind:          conflict.KindUpdate,
		LocalVersion:  time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		RemoteVersion: time.Date(2026, 8, 1, 13, 0, 0, 0, time.UTC),
		LocalFields:   entity.Snapshot{"title": "local"},
		RemoteFields:  entity.Snapshot{"title": "remote"},
		DetectedAt:    time.Now().UTC(),
	}
	if err := st.SaveConflict(ctx, rec); err != nil {
		t.Fatalf("SaveConflict failed: %v", err)
	}

	// A newer detection replaces the parked one.
	newer := *rec
	newer.RemoteVersion = rec.RemoteVersion.Add(time.Hour)
	if err := st.SaveConflict(ctx, &newer); err != nil {
		t.Fatalf("SaveConflict failed: %v", err)
	}

	parked, err := st.ListConflicts(ctx)
	if err != nil {
		t.Fatalf("ListConflicts failed: %v", err)
	}
	if len(parked) != 1 {
		t.Fatalf("ListConflicts = %d records, want 1", len(parked))
	}
	if !parked[0].RemoteVersion.Equal(newer.RemoteVersion) {
		t.Errorf("RemoteVersion = %v, want the newer detection", parked[0].RemoteVersion)
	}
	if parked[0].LocalFields["title"] != "local" {
		t.Errorf("LocalFields = %v, want the saved snapshot", parked[0].LocalFields)
	}

	if err := st.DeleteConflict(ctx, entity.TypeTrip, "l-1"); err != nil {
		t.Fatalf("DeleteConflict failed: %v", err)
	}
	n, err := st.CountConflicts(ctx)
	if err != nil {
		t.Fatalf("CountConflicts failed: %v", err)
	}
	if n != 0 {
		t.Errorf("CountConflicts = %d, want 0", n)
	}
}

func TestDataSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	ctx := context.Background()

	st, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := st.InitSchema(); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}
	if err := st.UpsertRecord(ctx, tripRecord("l-1")); err != nil {
		t.Fatalf("UpsertRecord failed: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	st, err = Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer st.Close()

	if _, err := st.GetRecord(ctx, entity.TypeTrip, "l-1"); err != nil {
		t.Errorf("record lost across reopen: %v", err)
	}
}
