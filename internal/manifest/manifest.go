// Package manifest defines the durable record of one reconciliation run and
// its integrity verification.
//
// A manifest is append-only and immutable once written: one entry per touched
// entity, a run-level status, and a digest chained over the entries in order.
// Anyone holding the manifest and its digest can later prove the manifest was
// not altered, entry by entry, without trusting the store it came from.
package manifest

import (
	"fmt"
	"time"

	"github.com/blackroad/roadsync/internal/fingerprint"
	"github.com/blackroad/roadsync/internal/state"
)

// RunStatus is the outcome of a whole reconciliation run.
type RunStatus string

const (
	// RunCompleted means every reachable adapter fully converged.
	RunCompleted RunStatus = "completed"

	// RunPartial means at least one entity-adapter pair failed or was cut
	// off by the deadline; unconverged entities remain divergent and will be
	// re-attempted naturally on the next run.
	RunPartial RunStatus = "partial"

	// RunAborted means the run stopped before resolving anything
	// (insufficient quorum). The manifest still records why.
	RunAborted RunStatus = "aborted"
)

// EntryStatus describes what the run did to one entity.
type EntryStatus string

const (
	// EntryUpdated means a strictly-newer version won and was propagated.
	EntryUpdated EntryStatus = "updated"

	// EntryInserted means the entity existed in some backends only and was
	// inserted into the rest.
	EntryInserted EntryStatus = "inserted"

	// EntryOverridden means versions tied with differing payloads and the
	// highest-priority adapter's value won by authority.
	EntryOverridden EntryStatus = "overridden"

	// EntryQuarantined means the entity id was implicated in local
	// corruption (duplicate id or fingerprint mismatch) and was left alone.
	EntryQuarantined EntryStatus = "quarantined"

	// EntrySkippedDeadline means the run deadline expired before this
	// entity's apply step started.
	EntrySkippedDeadline EntryStatus = "skipped-deadline"
)

// WriteStatus describes one entity-adapter write outcome.
type WriteStatus string

const (
	// WriteApplied means the adapter accepted a changed value.
	WriteApplied WriteStatus = "applied"

	// WriteNoop means the adapter already held the resolved value.
	WriteNoop WriteStatus = "noop"

	// WriteFailed means the write exhausted its retry ceiling.
	WriteFailed WriteStatus = "failed"

	// WriteSkipped means the adapter was not written this run (unreachable
	// or quarantined).
	WriteSkipped WriteStatus = "skipped"
)

// AdapterStatus describes one backend's participation in the run.
type AdapterStatus string

const (
	// AdapterSynced means the backend participated normally.
	AdapterSynced AdapterStatus = "synced"

	// AdapterSkipped means the backend was unavailable or could not produce
	// a consistent read, and sat the run out.
	AdapterSkipped AdapterStatus = "skipped"

	// AdapterQuarantined means the backend's snapshot failed local
	// validation and was excluded from the run.
	AdapterQuarantined AdapterStatus = "quarantined"
)

// Entry records what happened to one entity: old and new fingerprint, who
// won, and how each adapter's write went.
type Entry struct {
	EntityID       string                 `json:"entity_id"`
	Kind           state.Kind             `json:"kind"`
	OldFingerprint string                 `json:"old_fingerprint,omitempty"`
	NewFingerprint string                 `json:"new_fingerprint,omitempty"`
	WinningBackend string                 `json:"winning_backend,omitempty"`
	Relation       state.Relation         `json:"relation,omitempty"`
	Status         EntryStatus            `json:"status"`
	Writes         map[string]WriteStatus `json:"writes,omitempty"`
}

// Manifest is the durable output of one reconciliation run.
type Manifest struct {
	RunID      string                   `json:"run_id"`
	Status     RunStatus                `json:"status"`
	Reason     string                   `json:"reason,omitempty"`
	StartedAt  time.Time                `json:"started_at"`
	FinishedAt time.Time                `json:"finished_at"`
	Algorithms []string                 `json:"algorithms"`
	Adapters   map[string]AdapterStatus `json:"adapters"`
	Entries    []Entry                  `json:"entries"`
	Digest     string                   `json:"digest"`
}

// entryDigest fingerprints one entry. Write statuses are part of the digest:
// rewriting history about a failed write is tampering too.
func entryDigest(eng *fingerprint.Engine, e *Entry) (string, error) {
	writes := make(map[string]any, len(e.Writes))
	for name, st := range e.Writes {
		writes[name] = string(st)
	}
	return eng.Sum(map[string]any{
		"entity_id":       e.EntityID,
		"kind":            string(e.Kind),
		"old_fingerprint": e.OldFingerprint,
		"new_fingerprint": e.NewFingerprint,
		"winning_backend": e.WinningBackend,
		"relation":        string(e.Relation),
		"status":          string(e.Status),
		"writes":          writes,
	})
}

// ComputeDigest chains the per-entry digests in manifest order.
func ComputeDigest(eng *fingerprint.Engine, entries []Entry) (string, error) {
	digests := make([]string, 0, len(entries))
	for i := range entries {
		d, err := entryDigest(eng, &entries[i])
		if err != nil {
			return "", fmt.Errorf("failed to digest manifest entry %s: %w", entries[i].EntityID, err)
		}
		digests = append(digests, d)
	}
	return eng.ManifestDigest(digests), nil
}

// Seal computes and stores the manifest digest. Called exactly once, by the
// orchestrator, when the run finishes.
func (m *Manifest) Seal(eng *fingerprint.Engine) error {
	digest, err := ComputeDigest(eng, m.Entries)
	if err != nil {
		return err
	}
	m.Digest = digest
	return nil
}

// Verify recomputes the chain digest over the manifest's entries and compares
// it against expected. Returns false if any entry was altered, reordered,
// added, or removed after the manifest was sealed.
func Verify(m *Manifest, expected string) (bool, error) {
	eng, err := fingerprint.New(m.Algorithms...)
	if err != nil {
		return false, err
	}
	computed, err := ComputeDigest(eng, m.Entries)
	if err != nil {
		return false, err
	}
	return fingerprint.Equal(computed, expected), nil
}
