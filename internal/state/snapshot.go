package state

import (
	"fmt"
	"sort"

	"github.com/blackroad/roadsync/internal/fingerprint"
)

// Snapshot is an immutable point-in-time set of entities as seen by one
// backend. Within a snapshot, id is unique per kind.
type Snapshot struct {
	Backend  string
	entities map[Key]*Entity
}

// NewSnapshot builds a validated snapshot from a backend's raw read.
//
// Validation enforces the snapshot invariants:
//   - (kind, id) is unique: violation returns *DuplicateEntityError
//   - every entity's stored fingerprint matches a recomputation from its
//     payload: violation returns *FingerprintMismatchError
//
// Entities are cloned on the way in; the caller's slice stays untouched.
func NewSnapshot(backend string, entities []*Entity, eng *fingerprint.Engine) (*Snapshot, error) {
	snap := &Snapshot{
		Backend:  backend,
		entities: make(map[Key]*Entity, len(entities)),
	}

	for _, e := range entities {
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("invalid entity in snapshot from %s: %w", backend, err)
		}

		key := KeyOf(e)
		if _, exists := snap.entities[key]; exists {
			return nil, &DuplicateEntityError{Backend: backend, Key: key}
		}

		computed, err := eng.Sum(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to fingerprint %s from %s: %w", key, backend, err)
		}
		if !fingerprint.Equal(computed, e.Fingerprint) {
			return nil, &FingerprintMismatchError{
				Backend:  backend,
				Key:      key,
				Stored:   e.Fingerprint,
				Computed: computed,
			}
		}

		snap.entities[key] = e.Clone()
	}

	return snap, nil
}

// Get returns the entity for the given key, or nil if absent.
func (s *Snapshot) Get(key Key) *Entity {
	return s.entities[key]
}

// Len returns the number of entities in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.entities)
}

// Keys returns all entity keys in deterministic order (kind, then id).
func (s *Snapshot) Keys() []Key {
	keys := make([]Key, 0, len(s.entities))
	for k := range s.entities {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Kind != keys[j].Kind {
			return keys[i].Kind < keys[j].Kind
		}
		return keys[i].ID < keys[j].ID
	})
	return keys
}

// Entities returns clones of all entities in deterministic key order.
func (s *Snapshot) Entities() []*Entity {
	keys := s.Keys()
	out := make([]*Entity, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.entities[k].Clone())
	}
	return out
}
