package entity

import (
	"strings"
	"testing"
	"time"
)

func validMemory() Snapshot {
	return Snapshot{
		"trip_id":     "trip-1",
		"title":       "Sunrise at Haleakala",
		"notes":       "worth the 3am start",
		"happened_at": "2026-07-14T05:42:00Z",
		"latitude":    20.7097,
		"longitude":   -156.2533,
		"tag_ids":     []string{"tag-1", "tag-2"},
	}
}

func TestSnapshotValidate(t *testing.T) {
	tests := []struct {
		name    string
		typ     Type
		mutate  func(Snapshot)
		wantErr string
	}{
		{
			name:   "valid memory",
			typ:    TypeMemory,
			mutate: func(Snapshot) {},
		},
		{
			name:    "unknown field rejected",
			typ:     TypeMemory,
			mutate:  func(s Snapshot) { s["weather"] = "sunny" },
			wantErr: "not in the memory schema",
		},
		{
			name:    "mistyped string",
			typ:     TypeMemory,
			mutate:  func(s Snapshot) { s["title"] = 42 },
			wantErr: "expected string",
		},
		{
			name:    "bad timestamp",
			typ:     TypeMemory,
			mutate:  func(s Snapshot) { s["happened_at"] = "yesterday" },
			wantErr: "RFC3339",
		},
		{
			name:    "mixed string list",
			typ:     TypeMemory,
			mutate:  func(s Snapshot) { s["tag_ids"] = []any{"tag-1", 7} },
			wantErr: "string list",
		},
		{
			name:   "nil value allowed",
			typ:    TypeMemory,
			mutate: func(s Snapshot) { s["notes"] = nil },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := validMemory()
			tt.mutate(snap)

			err := snap.Validate(tt.typ)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate failed: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestIntFieldRejectsFraction(t *testing.T) {
	snap := Snapshot{"memory_id": "m-1", "object_name": "o-1", "width": 2.5}
	err := snap.Validate(TypeMediaItem)
	if err == nil || !strings.Contains(err.Error(), "integer") {
		t.Fatalf("Validate = %v, want integer error", err)
	}

	// JSON decodes all numbers as float64; whole values must pass.
	snap["width"] = float64(1920)
	if err := snap.Validate(TypeMediaItem); err != nil {
		t.Fatalf("Validate failed on whole float: %v", err)
	}
}

func TestSnapshotCloneDoesNotAlias(t *testing.T) {
	snap := validMemory()
	clone := snap.Clone()
	clone["title"] = "changed"

	if snap["title"] == "changed" {
		t.Error("mutating the clone changed the original")
	}
}

func TestRecordValidate(t *testing.T) {
	rec := &Record{
		Type:      TypeTrip,
		LocalID:   NewLocalID(),
		UpdatedAt: time.Now(),
		Fields:    Snapshot{"title": "Iceland 2026"},
	}
	if err := rec.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	rec.LocalID = ""
	if err := rec.Validate(); err == nil {
		t.Error("expected error for missing local id")
	}
}

func TestValidateForUploadRequiredFields(t *testing.T) {
	rec := &Record{
		Type:      TypeMemory,
		LocalID:   NewLocalID(),
		UpdatedAt: time.Now(),
		Fields:    Snapshot{"title": "no trip"},
	}
	err := rec.ValidateForUpload()
	if err == nil || !strings.Contains(err.Error(), "trip_id") {
		t.Fatalf("ValidateForUpload = %v, want missing trip_id", err)
	}

	rec.Fields["trip_id"] = "trip-1"
	if err := rec.ValidateForUpload(); err != nil {
		t.Fatalf("ValidateForUpload failed: %v", err)
	}
}
