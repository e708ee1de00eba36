// Package conflict detects and resolves divergence between local and
// remote copies of an entity.
//
// Detection is timestamp-driven, not content-driven: a conflict is
// reported whenever the two copies refer to the same entity and their
// last-mutation timestamps differ, regardless of whether the attribute
// values actually changed. The existing system relies on this behavior;
// the advisory FieldDiff exists for diagnostics only and never changes
// the decision. A content-based detector would suppress false positives
// from non-semantic timestamp bumps, but it would also change observable
// behavior, so it remains a possible future refinement rather than a fix.
package conflict

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/trailbook/trailbook/internal/entity"
)

// Strategy selects how a detected conflict is resolved.
type Strategy string

const (
	// StrategyLocalWins always keeps the local snapshot.
	StrategyLocalWins Strategy = "localWins"

	// StrategyRemoteWins always takes the remote snapshot.
	StrategyRemoteWins Strategy = "remoteWins"

	// StrategyLastWriteWins keeps whichever side has the strictly greater
	// last-mutation timestamp. Equal timestamps never reach resolution
	// (they are not a conflict), but a defensive tie resolves to local.
	StrategyLastWriteWins Strategy = "lastWriteWins"

	// StrategyManual defers to a human. The conflict is parked on the
	// pending list and the local snapshot is returned as an interim value
	// until ResolveManually is called.
	StrategyManual Strategy = "manual"
)

// IsValid reports whether s names a known strategy.
func (s Strategy) IsValid() bool {
	switch s {
	case StrategyLocalWins, StrategyRemoteWins, StrategyLastWriteWins, StrategyManual:
		return true
	}
	return false
}

// Kind classifies what sort of divergence was detected.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Record captures one detected conflict. It is created transiently by
// Detect and consumed by the resolver; only under the manual strategy is
// it retained (on the pending list) until a human decision arrives.
type Record struct {
	EntityType    entity.Type
	EntityID      string // local id
	Kind          Kind
	LocalVersion  time.Time
	RemoteVersion time.Time
	LocalFields   entity.Snapshot
	RemoteFields  entity.Snapshot
	DetectedAt    time.Time
}

// FieldDiff returns the names of fields whose values differ between the
// two snapshots, sorted. Advisory only: resolution never consults it.
func (r *Record) FieldDiff() []string {
	seen := make(map[string]bool)
	var diff []string

	for name, lv := range r.LocalFields {
		if rv, ok := r.RemoteFields[name]; !ok || !reflect.DeepEqual(lv, rv) {
			diff = append(diff, name)
		}
		seen[name] = true
	}
	for name := range r.RemoteFields {
		if !seen[name] {
			diff = append(diff, name)
		}
	}

	sort.Strings(diff)
	return diff
}

// Detect compares the local record against the remote copy of the same
// entity and returns a conflict record if they diverge.
//
// No conflict is reported when the identifiers don't refer to the same
// entity, or when the two timestamps are exactly equal (no divergence).
func Detect(local, remote *entity.Record) *Record {
	if local == nil || remote == nil {
		return nil
	}
	if local.ServerID == "" || local.ServerID != remote.ServerID {
		return nil
	}
	if local.UpdatedAt.Equal(remote.UpdatedAt) {
		return nil
	}

	return &Record{
		EntityType:    local.Type,
		EntityID:      local.LocalID,
		Kind:          KindUpdate,
		LocalVersion:  local.UpdatedAt,
		RemoteVersion: remote.UpdatedAt,
		LocalFields:   local.Fields.Clone(),
		RemoteFields:  remote.Fields.Clone(),
		DetectedAt:    time.Now(),
	}
}

// Resolver applies a configured strategy to detected conflicts and, under
// the manual strategy, keeps the pending-conflicts list.
type Resolver struct {
	strategy Strategy
	logger   *log.Logger

	mu      sync.Mutex
	pending map[string]*Record // entityType/entityID -> record
}

// NewResolver creates a resolver with the given strategy.
// If logger is nil, a default logger writing to stderr is used.
func NewResolver(strategy Strategy, logger *log.Logger) (*Resolver, error) {
	if !strategy.IsValid() {
		return nil, fmt.Errorf("unknown conflict strategy: %s", strategy)
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[conflict] ", log.LstdFlags)
	}
	return &Resolver{
		strategy: strategy,
		logger:   logger,
		pending:  make(map[string]*Record),
	}, nil
}

// Strategy returns the configured strategy.
func (r *Resolver) Strategy() Strategy {
	return r.strategy
}

// Resolve returns the winning attribute snapshot for a detected conflict.
//
// Under the manual strategy the conflict is appended to the pending list
// (deduplicated by entity id; the newest detection replaces an older one)
// and the local snapshot is returned as an interim value. No other state
// is mutated; nothing is written locally or remotely until a human calls
// ResolveManually.
func (r *Resolver) Resolve(rec *Record) (entity.Snapshot, error) {
	if rec == nil {
		return nil, fmt.Errorf("conflict record is nil")
	}

	switch r.strategy {
	case StrategyLocalWins:
		return rec.LocalFields.Clone(), nil

	case StrategyRemoteWins:
		return rec.RemoteFields.Clone(), nil

	case StrategyLastWriteWins:
		if rec.RemoteVersion.After(rec.LocalVersion) {
			return rec.RemoteFields.Clone(), nil
		}
		// Strictly newer local, or the defensive tie: local wins.
		return rec.LocalFields.Clone(), nil

	case StrategyManual:
		r.mu.Lock()
		r.pending[pendingKey(rec.EntityType, rec.EntityID)] = rec
		n := len(r.pending)
		r.mu.Unlock()
		r.logger.Printf("Parked conflict on %s %s for manual resolution (%d pending)",
			rec.EntityType, rec.EntityID, n)
		return rec.LocalFields.Clone(), nil
	}

	return nil, fmt.Errorf("unknown conflict strategy: %s", r.strategy)
}

// Choice is a human decision for one pending conflict.
type Choice string

const (
	ChooseLocal  Choice = "local"
	ChooseRemote Choice = "remote"
)

// ResolveManually applies a human decision to a pending conflict, removes
// it from the pending list, and returns the chosen snapshot for the caller
// to apply.
func (r *Resolver) ResolveManually(t entity.Type, entityID string, choice Choice) (entity.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := pendingKey(t, entityID)
	rec, ok := r.pending[key]
	if !ok {
		return nil, fmt.Errorf("no pending conflict for %s %s", t, entityID)
	}

	var winner entity.Snapshot
	switch choice {
	case ChooseLocal:
		winner = rec.LocalFields.Clone()
	case ChooseRemote:
		winner = rec.RemoteFields.Clone()
	default:
		return nil, fmt.Errorf("unknown choice: %s", choice)
	}

	delete(r.pending, key)
	r.logger.Printf("Manually resolved conflict on %s %s: %s wins", t, entityID, choice)
	return winner, nil
}

// Pending returns the pending conflicts awaiting manual resolution,
// sorted by entity type then id for stable display.
func (r *Resolver) Pending() []*Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Record, 0, len(r.pending))
	for _, rec := range r.pending {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityType != out[j].EntityType {
			return out[i].EntityType < out[j].EntityType
		}
		return out[i].EntityID < out[j].EntityID
	})
	return out
}

// PendingCount returns the number of conflicts awaiting manual resolution.
func (r *Resolver) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func pendingKey(t entity.Type, id string) string {
	return string(t) + "/" + id
}
