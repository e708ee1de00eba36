package entity

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Historical attribute names for the identity pair. Early builds of the
// application stored identifiers under several different keys; this layer
// absorbs that drift so the rest of the engine only ever sees the
// normalized LocalID/ServerID pair.
var (
	legacyLocalKeys  = []string{"local_id", "localIdentifier", "uuid", "client_id"}
	legacyServerKeys = []string{"server_id", "serverIdentifier", "remote_id", "backend_id"}
)

// ErrServerIDMismatch is returned when something attempts to overwrite an
// already-assigned server identifier with a different value. A server id is
// set at most once and never changes; a second, different assignment is a
// data-integrity fault.
var ErrServerIDMismatch = errors.New("entity: server id already assigned with a different value")

// Identity is the normalized identifier pair for one record.
type Identity struct {
	LocalID  string
	ServerID string // empty until first successful push
}

// NewLocalID generates a fresh local identifier.
func NewLocalID() string {
	return uuid.NewString()
}

// Normalize extracts the identity pair from a raw attribute snapshot,
// checking the historical key names in order, and returns the snapshot with
// all identity keys stripped. If the record predates the identity scheme
// entirely, a new local identifier is generated; the caller is responsible
// for persisting the record so the generated identifier sticks.
func Normalize(raw Snapshot) (Identity, Snapshot) {
	var id Identity
	fields := make(Snapshot, len(raw))
	for k, v := range raw {
		fields[k] = v
	}

	for _, key := range legacyLocalKeys {
		if v, ok := fields[key].(string); ok && v != "" && id.LocalID == "" {
			id.LocalID = v
		}
		delete(fields, key)
	}
	for _, key := range legacyServerKeys {
		if v, ok := fields[key].(string); ok && v != "" && id.ServerID == "" {
			id.ServerID = v
		}
		delete(fields, key)
	}

	if id.LocalID == "" {
		id.LocalID = NewLocalID()
	}

	return id, fields
}

// SetServerID assigns the remote identifier to a record that has not been
// pushed yet. Assigning the same value again is a no-op (idempotent);
// assigning a different value is refused with ErrServerIDMismatch.
func (r *Record) SetServerID(serverID string) error {
	if serverID == "" {
		return fmt.Errorf("server id cannot be empty")
	}
	if r.ServerID == serverID {
		return nil
	}
	if r.ServerID != "" {
		return fmt.Errorf("%w: %s has %s, refusing %s",
			ErrServerIDMismatch, r.LocalID, r.ServerID, serverID)
	}
	r.ServerID = serverID
	return nil
}
