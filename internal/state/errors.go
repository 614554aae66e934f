package state

import "fmt"

// DuplicateEntityError indicates a backend returned two entities with the
// same (kind, id) in one read. This is local corruption: the snapshot is
// rejected and the adapter is excluded from the current run.
type DuplicateEntityError struct {
	Backend string
	Key     Key
}

func (e *DuplicateEntityError) Error() string {
	return fmt.Sprintf("duplicate entity %s in snapshot from %s", e.Key, e.Backend)
}

// FingerprintMismatchError indicates an entity's stored fingerprint does not
// match a recomputation from its payload. This signals corruption or
// tampering local to one backend, distinct from cross-backend divergence.
type FingerprintMismatchError struct {
	Backend  string
	Key      Key
	Stored   string
	Computed string
}

func (e *FingerprintMismatchError) Error() string {
	return fmt.Sprintf("fingerprint mismatch for %s from %s: stored %.16s..., computed %.16s...",
		e.Key, e.Backend, e.Stored, e.Computed)
}
