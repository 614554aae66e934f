// Package state defines the canonical in-memory representation of synchronized
// state: entities, point-in-time snapshots, and snapshot diffing.
//
// Entities are the unit of synchronization. Every entity carries a content
// fingerprint of its payload plus a logical version counter; the fingerprint
// identifies WHAT the entity contains, the version identifies HOW MANY accepted
// writes it has seen. Backends never share a wall clock, so all ordering is
// expressed through versions and configured authority, never timestamps.
package state

import (
	"fmt"

	"github.com/blackroad/roadsync/internal/fingerprint"
)

// Kind classifies an entity.
type Kind string

const (
	// KindProject is a top-level project record.
	KindProject Kind = "project"

	// KindTask is a task or card within a project.
	KindTask Kind = "task"

	// KindConfig is a configuration document.
	KindConfig Kind = "config"
)

// Valid reports whether k is a known entity kind.
func (k Kind) Valid() bool {
	switch k {
	case KindProject, KindTask, KindConfig:
		return true
	}
	return false
}

// Entity is a named, versioned unit of state.
//
// Fingerprint is a pure function of Payload: Version, Origin, and UpdatedAt
// never contribute to it. Version strictly increases on every accepted write
// and never resets. UpdatedAt is a logical counter, not wall-clock time,
// incremented alongside each accepted write.
type Entity struct {
	ID          string         `json:"id"`
	Kind        Kind           `json:"kind"`
	Payload     map[string]any `json:"payload"`
	Fingerprint string         `json:"fingerprint"`
	Version     int64          `json:"version"`
	Origin      string         `json:"origin,omitempty"`
	UpdatedAt   int64          `json:"updated_at"`
}

// Validate checks required fields.
func (e *Entity) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("entity id is required")
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("entity %s has invalid kind %q", e.ID, e.Kind)
	}
	if e.Version < 1 {
		return fmt.Errorf("entity %s has invalid version %d (must be >= 1)", e.ID, e.Version)
	}
	return nil
}

// Key identifies an entity within a snapshot: id is unique per kind.
type Key struct {
	Kind Kind
	ID   string
}

func (k Key) String() string {
	return string(k.Kind) + "/" + k.ID
}

// KeyOf returns the snapshot key for an entity.
func KeyOf(e *Entity) Key {
	return Key{Kind: e.Kind, ID: e.ID}
}

// Refingerprint recomputes the entity's fingerprint from its payload using
// the given engine and stores it on the entity.
func (e *Entity) Refingerprint(eng *fingerprint.Engine) error {
	digest, err := eng.Sum(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to fingerprint entity %s: %w", e.ID, err)
	}
	e.Fingerprint = digest
	return nil
}

// Clone returns a deep copy of the entity. Payload maps are copied
// recursively so callers can mutate the clone freely.
func (e *Entity) Clone() *Entity {
	out := *e
	out.Payload = clonePayload(e.Payload)
	return &out
}

func clonePayload(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return clonePayload(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return val
	}
}
