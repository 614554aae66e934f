package state

import "github.com/blackroad/roadsync/internal/fingerprint"

// Relation describes how one entity compares between two snapshots.
type Relation string

const (
	// RelationIdentical means both snapshots hold the same content.
	RelationIdentical Relation = "identical"

	// RelationANewer means a's version is strictly higher.
	RelationANewer Relation = "a_newer"

	// RelationBNewer means b's version is strictly higher.
	RelationBNewer Relation = "b_newer"

	// RelationConflict means versions are equal or incomparable but the
	// fingerprints differ. Resolution falls back to configured authority.
	RelationConflict Relation = "conflict"

	// RelationOnlyInA means the entity exists only in snapshot a.
	RelationOnlyInA Relation = "only_in_a"

	// RelationOnlyInB means the entity exists only in snapshot b.
	RelationOnlyInB Relation = "only_in_b"
)

// DiffEntry pairs an entity key with its cross-snapshot relation.
type DiffEntry struct {
	Key      Key
	Relation Relation
}

// Diff compares two snapshots entity by entity and returns one entry per
// key present in either, in deterministic key order.
//
// Content equality is judged by fingerprint: two entities with the same
// fingerprint are identical regardless of version, origin, or updated_at.
// Differing fingerprints are ordered by version; equal versions with
// differing fingerprints are a conflict.
func Diff(a, b *Snapshot) []DiffEntry {
	seen := make(map[Key]bool)
	var entries []DiffEntry

	appendEntry := func(key Key) {
		if seen[key] {
			return
		}
		seen[key] = true
		entries = append(entries, DiffEntry{Key: key, Relation: Compare(a.Get(key), b.Get(key))})
	}

	for _, key := range a.Keys() {
		appendEntry(key)
	}
	for _, key := range b.Keys() {
		appendEntry(key)
	}

	return entries
}

// Compare classifies the relation between two observations of one entity.
// Either side may be nil (absent).
func Compare(ea, eb *Entity) Relation {
	switch {
	case ea == nil && eb == nil:
		return RelationIdentical
	case eb == nil:
		return RelationOnlyInA
	case ea == nil:
		return RelationOnlyInB
	}

	if fingerprint.Equal(ea.Fingerprint, eb.Fingerprint) {
		return RelationIdentical
	}

	switch {
	case ea.Version > eb.Version:
		return RelationANewer
	case eb.Version > ea.Version:
		return RelationBNewer
	default:
		return RelationConflict
	}
}
