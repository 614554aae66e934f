// Package reconcile runs the synchronization cycle: collect snapshots from
// every reachable backend, resolve divergence deterministically, fan the
// resolved state back out, and seal a manifest describing what happened.
//
// A run walks a fixed set of phases:
//
//	collecting -> resolving -> applying -> completed | partial
//
// with an early exit to aborted when fewer than two backends produce a usable
// snapshot. Every run produces a sealed manifest, aborted runs included.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/blackroad/roadsync/internal/backend"
	"github.com/blackroad/roadsync/internal/config"
	"github.com/blackroad/roadsync/internal/fingerprint"
	"github.com/blackroad/roadsync/internal/manifest"
	"github.com/blackroad/roadsync/internal/state"
)

// Phase is where a run currently is in its lifecycle.
type Phase string

const (
	PhaseCollecting Phase = "collecting"
	PhaseResolving  Phase = "resolving"
	PhaseApplying   Phase = "applying"
	PhaseFinished   Phase = "finished"
)

// InsufficientQuorumError means fewer than two backends produced a usable
// snapshot, so there is nothing to reconcile against.
type InsufficientQuorumError struct {
	Reachable int
}

func (e *InsufficientQuorumError) Error() string {
	return fmt.Sprintf("insufficient quorum: %d backend(s) reachable, need at least 2", e.Reachable)
}

// Events receives run lifecycle notifications. Implementations must be safe
// for concurrent use; EntityResolved fires from apply workers.
type Events interface {
	RunStarted(runID string)
	PhaseChanged(runID string, phase Phase)
	EntityResolved(runID string, entry manifest.Entry)
	RunFinished(m *manifest.Manifest)
}

type noopEvents struct{}

func (noopEvents) RunStarted(string)                     {}
func (noopEvents) PhaseChanged(string, Phase)            {}
func (noopEvents) EntityResolved(string, manifest.Entry) {}
func (noopEvents) RunFinished(*manifest.Manifest)        {}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithLogger replaces the default stderr logger.
func WithLogger(l *log.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithEvents registers a run event sink.
func WithEvents(ev Events) Option {
	return func(o *Orchestrator) { o.events = ev }
}

// WithSleep replaces the retry sleep, for tests.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// WithRand replaces the jitter source, for tests. rnd must return values in
// [0, 1).
func WithRand(rnd func() float64) Option {
	return func(o *Orchestrator) { o.rand = rnd }
}

// Orchestrator drives reconciliation runs over a fixed adapter set.
type Orchestrator struct {
	cfg      config.Config
	eng      *fingerprint.Engine
	adapters []backend.Adapter // priority order, highest authority first
	logger   *log.Logger
	events   Events
	sleep    func(context.Context, time.Duration) error
	rand     func() float64
}

// New builds an Orchestrator. Adapters are reordered to match
// cfg.Priority, which is also the conflict authority order; every name in
// cfg.Priority must be present and no extra adapters are allowed.
func New(cfg config.Config, adapters []backend.Adapter, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	eng, err := fingerprint.New(cfg.AlgorithmChain...)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]backend.Adapter, len(adapters))
	for _, a := range adapters {
		byName[a.Name()] = a
	}
	ordered := make([]backend.Adapter, 0, len(cfg.Priority))
	for _, name := range cfg.Priority {
		a, ok := byName[name]
		if !ok {
			return nil, &config.ConfigurationError{Field: "priority", Reason: fmt.Sprintf("no adapter registered for %q", name)}
		}
		ordered = append(ordered, a)
		delete(byName, name)
	}
	for name := range byName {
		return nil, &config.ConfigurationError{Field: "priority", Reason: fmt.Sprintf("adapter %q not listed", name)}
	}

	o := &Orchestrator{
		cfg:      cfg,
		eng:      eng,
		adapters: ordered,
		logger:   log.New(os.Stderr, "[reconcile] ", log.LstdFlags),
		events:   noopEvents{},
		sleep:    sleepCtx,
		rand:     defaultRand,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Engine returns the fingerprint engine the orchestrator verifies and seals
// with.
func (o *Orchestrator) Engine() *fingerprint.Engine { return o.eng }

// collected is the outcome of the collection phase.
type collected struct {
	snaps       []*state.Snapshot           // reachable, priority order
	statuses    map[string]manifest.AdapterStatus
	quarantined []manifest.Entry // entries for entities implicated in corruption
}

// Run executes one reconciliation cycle. available, when non-nil, marks
// backends known to be down so their reads are not attempted; a nil map means
// try everyone.
//
// Run always returns a sealed manifest. The error is non-nil only for quorum
// aborts and manifest sealing failures; per-entity write failures are
// recorded in the manifest, not returned.
func (o *Orchestrator) Run(ctx context.Context, available map[string]bool) (*manifest.Manifest, error) {
	m := &manifest.Manifest{
		RunID:      uuid.NewString(),
		StartedAt:  time.Now().UTC(),
		Algorithms: append([]string(nil), o.cfg.AlgorithmChain...),
		Adapters:   make(map[string]manifest.AdapterStatus, len(o.adapters)),
	}
	o.events.RunStarted(m.RunID)
	o.logger.Printf("run %s: starting over %d adapters", m.RunID, len(o.adapters))

	o.events.PhaseChanged(m.RunID, PhaseCollecting)
	col := o.collect(ctx, available)
	m.Adapters = col.statuses
	m.Entries = append(m.Entries, col.quarantined...)

	if len(col.snaps) < 2 {
		m.Status = manifest.RunAborted
		m.Reason = fmt.Sprintf("only %d backend(s) reachable", len(col.snaps))
		o.finishRun(m)
		return m, &InsufficientQuorumError{Reachable: len(col.snaps)}
	}

	o.events.PhaseChanged(m.RunID, PhaseResolving)
	merged := merge(col.snaps)
	finish(merged)

	o.events.PhaseChanged(m.RunID, PhaseApplying)
	entries := o.apply(ctx, m.RunID, col, merged)
	m.Entries = append(m.Entries, entries...)
	sortEntries(m.Entries)

	m.Status = manifest.RunCompleted
	for i := range m.Entries {
		e := &m.Entries[i]
		if e.Status == manifest.EntrySkippedDeadline {
			m.Status = manifest.RunPartial
			continue
		}
		for _, w := range e.Writes {
			if w == manifest.WriteFailed {
				m.Status = manifest.RunPartial
			}
		}
	}
	o.finishRun(m)
	return m, nil
}

func (o *Orchestrator) finishRun(m *manifest.Manifest) {
	m.FinishedAt = time.Now().UTC()
	if err := m.Seal(o.eng); err != nil {
		o.logger.Printf("run %s: sealing manifest: %v", m.RunID, err)
	}
	o.events.PhaseChanged(m.RunID, PhaseFinished)
	o.events.RunFinished(m)
	o.logger.Printf("run %s: %s, %d entries", m.RunID, m.Status, len(m.Entries))
}

// collect reads a snapshot from every adapter not marked down. A backend that
// cannot produce a stable view is skipped; one whose snapshot fails local
// validation is quarantined along with the implicated entity ids.
func (o *Orchestrator) collect(ctx context.Context, available map[string]bool) collected {
	col := collected{statuses: make(map[string]manifest.AdapterStatus, len(o.adapters))}

	for _, a := range o.adapters {
		name := a.Name()
		if available != nil && !available[name] {
			o.logger.Printf("adapter %s: marked unavailable, skipping", name)
			col.statuses[name] = manifest.AdapterSkipped
			continue
		}

		snap, err := a.Read(ctx)
		if err == nil {
			col.statuses[name] = manifest.AdapterSynced
			col.snaps = append(col.snaps, snap)
			continue
		}

		var inconsistent *backend.InconsistentReadError
		var dup *state.DuplicateEntityError
		var mismatch *state.FingerprintMismatchError
		switch {
		case errors.As(err, &dup):
			o.logger.Printf("adapter %s: quarantined: %v", name, err)
			col.statuses[name] = manifest.AdapterQuarantined
			col.quarantined = append(col.quarantined, quarantineEntry(dup.Key))
		case errors.As(err, &mismatch):
			o.logger.Printf("adapter %s: quarantined: %v", name, err)
			col.statuses[name] = manifest.AdapterQuarantined
			col.quarantined = append(col.quarantined, quarantineEntry(mismatch.Key))
		case errors.As(err, &inconsistent):
			o.logger.Printf("adapter %s: skipped: %v", name, err)
			col.statuses[name] = manifest.AdapterSkipped
		default:
			o.logger.Printf("adapter %s: read failed, skipping: %v", name, err)
			col.statuses[name] = manifest.AdapterSkipped
		}
	}

	return col
}

func quarantineEntry(key state.Key) manifest.Entry {
	return manifest.Entry{
		EntityID: key.ID,
		Kind:     key.Kind,
		Status:   manifest.EntryQuarantined,
	}
}

// apply fans the resolved state out to every synced adapter. Entities are
// processed by a bounded worker pool; each worker finishes its entity's
// resolution before writing, so a slow adapter never blocks resolution of
// unrelated entities.
func (o *Orchestrator) apply(ctx context.Context, runID string, col collected, merged map[state.Key]*resolution) []manifest.Entry {
	keys := make([]state.Key, 0, len(merged))
	for key := range merged {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Kind != keys[j].Kind {
			return keys[i].Kind < keys[j].Kind
		}
		return keys[i].ID < keys[j].ID
	})

	byBackend := make(map[string]*state.Snapshot, len(col.snaps))
	for _, snap := range col.snaps {
		byBackend[snap.Backend] = snap
	}

	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if o.cfg.RunDeadline > 0 {
		runCtx, cancel = context.WithTimeout(ctx, o.cfg.RunDeadline)
	}
	defer cancel()

	// The deadline gates new entity tasks only. In-flight writes run on a
	// detached context so a deadline never strands a half-applied entity.
	writeCtx := context.WithoutCancel(ctx)

	results := make([]*manifest.Entry, len(keys))
	var g errgroup.Group
	g.SetLimit(len(col.snaps) * o.cfg.FanOut)

	for i, key := range keys {
		i, key := i, key
		res := merged[key]
		g.Go(func() error {
			if runCtx.Err() != nil {
				// An entity with nothing left to do reports the same whether
				// the deadline caught it or not: no entry.
				if !o.pendingWork(key, res, col, byBackend) {
					return nil
				}
				entry := o.newEntry(key, res)
				entry.Status = manifest.EntrySkippedDeadline
				for name, st := range col.statuses {
					if st == manifest.AdapterSynced {
						entry.Writes[name] = manifest.WriteSkipped
					}
				}
				results[i] = entry
				o.events.EntityResolved(runID, *entry)
				return nil
			}
			results[i] = o.applyEntity(writeCtx, runID, key, res, col, byBackend)
			return nil
		})
	}
	g.Wait()

	entries := make([]manifest.Entry, 0, len(results))
	for _, e := range results {
		if e != nil {
			entries = append(entries, *e)
		}
	}
	return entries
}

// pendingWork reports whether an entity still had writes or a recorded
// relation outstanding, mirroring applyEntity's decision to emit an entry.
func (o *Orchestrator) pendingWork(key state.Key, res *resolution, col collected, byBackend map[string]*state.Snapshot) bool {
	if res.relation != "" || res.overridden {
		return true
	}
	for _, a := range o.adapters {
		name := a.Name()
		if col.statuses[name] != manifest.AdapterSynced {
			continue
		}
		existing := byBackend[name].Get(key)
		if existing == nil || !fingerprint.Equal(existing.Fingerprint, res.entity.Fingerprint) {
			return true
		}
	}
	return false
}

// applyEntity writes one resolved entity to every synced adapter that does
// not already hold it. Returns nil when nothing needed doing anywhere.
func (o *Orchestrator) applyEntity(ctx context.Context, runID string, key state.Key, res *resolution, col collected, byBackend map[string]*state.Snapshot) *manifest.Entry {
	entry := o.newEntry(key, res)

	touched := false
	for _, a := range o.adapters {
		name := a.Name()
		if col.statuses[name] != manifest.AdapterSynced {
			entry.Writes[name] = manifest.WriteSkipped
			continue
		}

		// Equal fingerprints mean equal content; the adapter is already
		// converged no matter which version number it carries, and writing
		// would risk rolling a higher version back.
		existing := byBackend[name].Get(key)
		if existing != nil && fingerprint.Equal(existing.Fingerprint, res.entity.Fingerprint) {
			entry.Writes[name] = manifest.WriteNoop
			continue
		}

		touched = true
		if err := o.writeWithRetry(ctx, a, res.entity); err != nil {
			o.logger.Printf("run %s: %s/%s -> %s: write failed: %v", runID, key.Kind, key.ID, name, err)
			entry.Writes[name] = manifest.WriteFailed
		} else {
			entry.Writes[name] = manifest.WriteApplied
		}
	}

	if !touched && res.relation == "" && !res.overridden {
		return nil
	}
	o.events.EntityResolved(runID, *entry)
	return entry
}

func (o *Orchestrator) newEntry(key state.Key, res *resolution) *manifest.Entry {
	return &manifest.Entry{
		EntityID:       key.ID,
		Kind:           key.Kind,
		OldFingerprint: res.prevFingerprint,
		NewFingerprint: res.entity.Fingerprint,
		WinningBackend: res.winner,
		Relation:       res.relation,
		Status:         entryStatus(res),
		Writes:         make(map[string]manifest.WriteStatus, len(o.adapters)),
	}
}

func entryStatus(res *resolution) manifest.EntryStatus {
	switch {
	case res.overridden:
		return manifest.EntryOverridden
	case res.relation == state.RelationANewer || res.relation == state.RelationBNewer:
		return manifest.EntryUpdated
	default:
		// Present in a strict subset of backends, identical wherever it
		// exists. The writes are inserts.
		return manifest.EntryInserted
	}
}

// writeWithRetry pushes one entity to one adapter, retrying transient
// failures with capped exponential backoff and jitter. Idempotent writes make
// blind retries safe.
func (o *Orchestrator) writeWithRetry(ctx context.Context, a backend.Adapter, e *state.Entity) error {
	var lastErr error
	for attempt := 1; attempt <= o.cfg.RetryAttempts; attempt++ {
		if attempt > 1 {
			delay := backoffDelay(o.cfg.BackoffBase, o.cfg.BackoffCap, o.cfg.JitterFraction, attempt-1, o.rand)
			if err := o.sleep(ctx, delay); err != nil {
				return err
			}
		}
		if lastErr = a.Write(ctx, e); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("exhausted %d attempts: %w", o.cfg.RetryAttempts, lastErr)
}

func sortEntries(entries []manifest.Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Kind != entries[j].Kind {
			return entries[i].Kind < entries[j].Kind
		}
		return entries[i].EntityID < entries[j].EntityID
	})
}
