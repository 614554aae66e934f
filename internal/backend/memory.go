package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/blackroad/roadsync/internal/fingerprint"
	"github.com/blackroad/roadsync/internal/state"
)

// Memory is an in-memory adapter. It backs the orchestrator tests and is
// useful as a staging target when no durable backend is configured.
//
// Memory is safe for concurrent use. It tracks accepted-write counts per key
// so tests can assert idempotency, and supports fault injection for write
// failures and unstable reads.
type Memory struct {
	name string
	eng  *fingerprint.Engine

	mu       sync.Mutex
	entities map[state.Key]*state.Entity
	accepted map[state.Key]int

	failWrites map[state.Key]int // remaining injected failures per key
	shakyReads int               // remaining reads that observe a moving store
}

// NewMemory creates an empty in-memory adapter.
func NewMemory(name string, eng *fingerprint.Engine) *Memory {
	return &Memory{
		name:       name,
		eng:        eng,
		entities:   make(map[state.Key]*state.Entity),
		accepted:   make(map[state.Key]int),
		failWrites: make(map[state.Key]int),
	}
}

// Name implements Adapter.
func (m *Memory) Name() string { return m.name }

// Seed stores entities directly, bypassing write accounting. Fingerprints
// are recomputed so seeded payloads are always internally consistent.
func (m *Memory) Seed(entities ...*state.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range entities {
		clone := e.Clone()
		if err := clone.Refingerprint(m.eng); err != nil {
			return err
		}
		m.entities[state.KeyOf(clone)] = clone
	}
	return nil
}

// SeedRaw stores an entity exactly as given, without recomputing its
// fingerprint. Tests use this to simulate local corruption.
func (m *Memory) SeedRaw(e *state.Entity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities[state.KeyOf(e)] = e.Clone()
}

// Read implements Adapter.
func (m *Memory) Read(ctx context.Context) (*state.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	entities := make([]*state.Entity, 0, len(m.entities))
	for _, e := range m.entities {
		entities = append(entities, e.Clone())
	}
	if m.shakyReads > 0 {
		// Simulate a store mutating under the reader: skew every version by
		// the remaining budget so consecutive reads disagree until the
		// budget is spent.
		for _, e := range entities {
			e.Version += int64(m.shakyReads)
		}
		m.shakyReads--
	}
	m.mu.Unlock()

	return state.NewSnapshot(m.name, entities, m.eng)
}

// Write implements Adapter.
func (m *Memory) Write(ctx context.Context, e *state.Entity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.Validate(); err != nil {
		return fmt.Errorf("backend %s: rejecting invalid entity: %w", m.name, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := state.KeyOf(e)
	if n := m.failWrites[key]; n > 0 {
		m.failWrites[key] = n - 1
		return fmt.Errorf("backend %s: injected write failure for %s", m.name, key)
	}

	existing := m.entities[key]
	if !AcceptWrite(existing, e) {
		return nil
	}

	stored := e.Clone()
	stored.UpdatedAt = NextUpdatedAt(existing, e)
	m.entities[key] = stored
	m.accepted[key]++
	return nil
}

// LastFingerprint implements Adapter.
func (m *Memory) LastFingerprint(ctx context.Context, key state.Key) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entities[key]
	if !ok {
		return "", false, nil
	}
	return e.Fingerprint, true, nil
}

// AcceptedWrites returns how many writes were accepted (not no-ops) for key.
func (m *Memory) AcceptedWrites(key state.Key) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accepted[key]
}

// FailNextWrites injects n write failures for key.
func (m *Memory) FailNextWrites(key state.Key, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrites[key] = n
}

// ShakeReads makes the next n reads observe a mutating store, so consecutive
// reads disagree until the budget is spent.
func (m *Memory) ShakeReads(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shakyReads = n
}
