// Package backend defines the capability contract every state backend
// implements, plus helpers shared by the concrete adapters.
//
// The reconciliation core depends only on this contract. Transport, wire
// encoding, and authentication are adapter concerns; the core never sees
// them. Three adapters ship in subpackages (filestore, kvstore, crm) and an
// in-memory adapter lives here for tests and embedding.
package backend

import (
	"context"
	"fmt"

	"github.com/blackroad/roadsync/internal/state"
)

// Adapter is the capability set a backend exposes to the reconciliation core.
type Adapter interface {
	// Name returns the backend's configured name (e.g. "filestore").
	Name() string

	// Read returns a consistent point-in-time snapshot of all entities.
	//
	// Adapters that cannot guarantee a point-in-time view must retry
	// internally until two consecutive reads agree (see ConsistentRead),
	// bounded by a configured attempt ceiling.
	Read(ctx context.Context) (*state.Snapshot, error)

	// Write upserts one entity. Writes are idempotent: writing the same
	// (id, fingerprint, version) twice is a no-op on the second call.
	Write(ctx context.Context, e *state.Entity) error

	// LastFingerprint returns the fingerprint the backend currently holds
	// for the given key. ok is false if the entity is absent.
	LastFingerprint(ctx context.Context, key state.Key) (digest string, ok bool, err error)
}

// InconsistentReadError indicates an adapter could not obtain a stable
// point-in-time view within its attempt ceiling. The orchestrator treats the
// backend as unavailable for the run.
type InconsistentReadError struct {
	Backend  string
	Attempts int
}

func (e *InconsistentReadError) Error() string {
	return fmt.Sprintf("backend %s: no consistent read after %d attempts", e.Backend, e.Attempts)
}

// readFunc produces one raw read attempt.
type readFunc func(ctx context.Context) (*state.Snapshot, error)

// ConsistentRead retries read until two consecutive snapshots agree, bounded
// by maxAttempts total reads. Agreement means the same key set with the same
// fingerprint and version per key.
//
// Adapters backed by stores that mutate under the reader (the CRM record
// store, for one) wrap their raw read with this helper.
func ConsistentRead(ctx context.Context, backend string, maxAttempts int, read readFunc) (*state.Snapshot, error) {
	if maxAttempts < 2 {
		maxAttempts = 2
	}

	prev, err := read(ctx)
	if err != nil {
		return nil, err
	}

	for attempt := 2; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		cur, err := read(ctx)
		if err != nil {
			return nil, err
		}
		if snapshotsAgree(prev, cur) {
			return cur, nil
		}
		prev = cur
	}

	return nil, &InconsistentReadError{Backend: backend, Attempts: maxAttempts}
}

func snapshotsAgree(a, b *state.Snapshot) bool {
	if a.Len() != b.Len() {
		return false
	}
	for _, key := range a.Keys() {
		ea, eb := a.Get(key), b.Get(key)
		if eb == nil || ea.Fingerprint != eb.Fingerprint || ea.Version != eb.Version {
			return false
		}
	}
	return true
}

// AcceptWrite decides whether an incoming entity changes what the backend
// currently holds. It returns false for the idempotent no-op case (same
// fingerprint and same version) and for stale writes carrying a version
// below the stored one: version strictly increases on every accepted write
// and never rolls back.
//
// Shared by the concrete adapters so idempotency is judged identically
// everywhere.
func AcceptWrite(existing *state.Entity, incoming *state.Entity) bool {
	if existing == nil {
		return true
	}
	if incoming.Version < existing.Version {
		return false
	}
	return existing.Fingerprint != incoming.Fingerprint || existing.Version != incoming.Version
}

// NextUpdatedAt computes the stored logical update counter for an accepted
// write: one past the backend's previous counter, never going backwards
// relative to the incoming entity.
func NextUpdatedAt(existing *state.Entity, incoming *state.Entity) int64 {
	if existing == nil {
		return incoming.UpdatedAt
	}
	next := existing.UpdatedAt + 1
	if incoming.UpdatedAt > next {
		next = incoming.UpdatedAt
	}
	return next
}
