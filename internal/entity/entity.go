// Package entity defines the records the sync engine moves between the
// local store and the remote backend.
//
// Every synchronized object (trips, memories, media items, tags, ...) is
// represented as a Record: a stable local identifier, an optional remote
// identifier, a last-mutation timestamp, and a typed attribute snapshot.
// The rest of the engine never touches raw storage rows or wire payloads
// directly; it works on Records.
package entity

import (
	"fmt"
	"sort"
	"time"
)

// Type identifies one synchronized entity type.
type Type string

const (
	TypeTagCategory    Type = "tag_category"
	TypeTag            Type = "tag"
	TypeTrip           Type = "trip"
	TypeMemory         Type = "memory"
	TypeMediaItem      Type = "media_item"
	TypeGPXTrack       Type = "gpx_track"
	TypeBucketListItem Type = "bucket_list_item"
)

// AllTypes returns every synchronized entity type in stable (lexicographic)
// order. The sync order across types is decided by the dependency resolver,
// not by this list.
func AllTypes() []Type {
	types := []Type{
		TypeBucketListItem,
		TypeGPXTrack,
		TypeMediaItem,
		TypeMemory,
		TypeTag,
		TypeTagCategory,
		TypeTrip,
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// IsValid reports whether t is a known entity type.
func (t Type) IsValid() bool {
	switch t {
	case TypeTagCategory, TypeTag, TypeTrip, TypeMemory,
		TypeMediaItem, TypeGPXTrack, TypeBucketListItem:
		return true
	}
	return false
}

// FieldKind describes the value class a snapshot field may hold.
type FieldKind int

const (
	KindString FieldKind = iota
	KindInt
	KindFloat
	KindBool
	KindTime
	KindStringList
)

// Schema maps the allowed field names of one entity type to their kinds.
// Snapshots are validated against the schema before they are persisted or
// transmitted, so loosely-typed payloads cannot smuggle unknown fields
// through the engine.
type Schema map[string]FieldKind

// schemas is the static field registry, one entry per entity type.
// Foreign keys are stored as string fields holding the referenced
// entity's local identifier.
var schemas = map[Type]Schema{
	TypeTagCategory: {
		"name":       KindString,
		"color":      KindString,
		"sort_index": KindInt,
	},
	TypeTag: {
		"name":        KindString,
		"category_id": KindString,
	},
	TypeTrip: {
		"title":       KindString,
		"description": KindString,
		"start_date":  KindTime,
		"end_date":    KindTime,
		"cover_photo": KindString,
		"archived":    KindBool,
	},
	TypeMemory: {
		"trip_id":      KindString,
		"title":        KindString,
		"notes":        KindString,
		"happened_at":  KindTime,
		"latitude":     KindFloat,
		"longitude":    KindFloat,
		"tag_ids":      KindStringList,
		"bucket_items": KindStringList,
	},
	TypeMediaItem: {
		"memory_id":   KindString,
		"object_name": KindString,
		"media_kind":  KindString,
		"taken_at":    KindTime,
		"width":       KindInt,
		"height":      KindInt,
	},
	TypeGPXTrack: {
		"trip_id":     KindString,
		"memory_id":   KindString,
		"object_name": KindString,
		"name":        KindString,
		"distance_m":  KindFloat,
		"point_count": KindInt,
	},
	TypeBucketListItem: {
		"title":        KindString,
		"notes":        KindString,
		"completed":    KindBool,
		"completed_at": KindTime,
	},
}

// SchemaFor returns the field schema for an entity type.
func SchemaFor(t Type) (Schema, bool) {
	s, ok := schemas[t]
	return s, ok
}

// RequiredFields returns the fields that must be present before an entity
// of the given type may be uploaded. Missing required fields are a
// validation error, fatal for that entity's task only.
func RequiredFields(t Type) []string {
	switch t {
	case TypeTagCategory:
		return []string{"name"}
	case TypeTag:
		return []string{"name", "category_id"}
	case TypeTrip:
		return []string{"title"}
	case TypeMemory:
		return []string{"trip_id", "title"}
	case TypeMediaItem:
		return []string{"memory_id", "object_name"}
	case TypeGPXTrack:
		return []string{"object_name"}
	case TypeBucketListItem:
		return []string{"title"}
	}
	return nil
}

// Snapshot is a full attribute snapshot of one entity: field name to value.
// Values are restricted to the kinds declared in the type's Schema.
type Snapshot map[string]any

// Clone returns a shallow copy of the snapshot. Field values are immutable
// scalars or replaced wholesale, so a shallow copy is sufficient for
// conflict records that must not alias live state.
func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return nil
	}
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Validate checks the snapshot against the schema for the given type.
// Unknown fields and mistyped values are rejected.
func (s Snapshot) Validate(t Type) error {
	schema, ok := SchemaFor(t)
	if !ok {
		return fmt.Errorf("unknown entity type: %s", t)
	}

	for name, value := range s {
		kind, ok := schema[name]
		if !ok {
			return fmt.Errorf("field %q is not in the %s schema", name, t)
		}
		if value == nil {
			continue
		}
		if err := checkKind(value, kind); err != nil {
			return fmt.Errorf("field %q: %w", name, err)
		}
	}

	return nil
}

// checkKind verifies that a value matches the declared field kind.
// JSON decoding produces float64 for all numbers, so integer fields
// accept both int and a whole float64.
func checkKind(value any, kind FieldKind) error {
	switch kind {
	case KindString:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("expected string, got %T", value)
		}
	case KindInt:
		switch v := value.(type) {
		case int, int64:
		case float64:
			if v != float64(int64(v)) {
				return fmt.Errorf("expected integer, got fractional %v", v)
			}
		default:
			return fmt.Errorf("expected integer, got %T", value)
		}
	case KindFloat:
		switch value.(type) {
		case float64, int, int64:
		default:
			return fmt.Errorf("expected number, got %T", value)
		}
	case KindBool:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("expected bool, got %T", value)
		}
	case KindTime:
		switch v := value.(type) {
		case time.Time:
		case string:
			if _, err := time.Parse(time.RFC3339, v); err != nil {
				return fmt.Errorf("expected RFC3339 timestamp: %w", err)
			}
		default:
			return fmt.Errorf("expected timestamp, got %T", value)
		}
	case KindStringList:
		switch v := value.(type) {
		case []string:
		case []any:
			for _, elem := range v {
				if _, ok := elem.(string); !ok {
					return fmt.Errorf("expected string list, got element %T", elem)
				}
			}
		default:
			return fmt.Errorf("expected string list, got %T", value)
		}
	}
	return nil
}

// String returns the string value of a field, or "" if absent or mistyped.
func (s Snapshot) String(name string) string {
	v, _ := s[name].(string)
	return v
}

// Record is the engine's normalized view of one local entity.
type Record struct {
	// Type identifies the entity type this record belongs to.
	Type Type

	// LocalID is the locally-generated identifier: assigned at creation,
	// immutable, never reused.
	LocalID string

	// ServerID is the remote-assigned identifier. Empty until the entity
	// has been round-tripped through the remote store; set at most once.
	ServerID string

	// UpdatedAt is the last-mutation timestamp, the sole basis for
	// conflict ordering.
	UpdatedAt time.Time

	// Fields holds the type-specific attribute snapshot.
	Fields Snapshot
}

// Validate checks that the record is internally consistent and that its
// snapshot matches the type's schema.
func (r *Record) Validate() error {
	if !r.Type.IsValid() {
		return fmt.Errorf("unknown entity type: %s", r.Type)
	}
	if r.LocalID == "" {
		return fmt.Errorf("local id is required")
	}
	if r.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	if err := r.Fields.Validate(r.Type); err != nil {
		return fmt.Errorf("invalid snapshot: %w", err)
	}
	return nil
}

// ValidateForUpload additionally checks the type's required fields.
// A failure here is a data error for this entity alone: the caller should
// surface it and move on to sibling entities.
func (r *Record) ValidateForUpload() error {
	if err := r.Validate(); err != nil {
		return err
	}
	for _, name := range RequiredFields(r.Type) {
		v, ok := r.Fields[name]
		if !ok || v == nil || v == "" {
			return fmt.Errorf("required field %q is missing", name)
		}
	}
	return nil
}
