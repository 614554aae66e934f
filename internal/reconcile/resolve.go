package reconcile

import (
	"github.com/blackroad/roadsync/internal/state"
)

// resolution tracks one entity through the merge fold: the current winning
// value, where it came from, and what it displaced.
type resolution struct {
	// entity is the winning observation. Version bumps for overridden
	// conflicts are applied in finish(), after the fold completes, so
	// comparisons during the fold always see observed versions.
	entity *state.Entity

	// winner is the backend whose value won.
	winner string

	// relation is the last non-identical relation observed while folding,
	// from the merged snapshot's perspective.
	relation state.Relation

	// prevFingerprint is the fingerprint the winning value displaced, used
	// as the manifest's old_fingerprint.
	prevFingerprint string

	// overridden is set when a version tie was broken by adapter authority
	// instead of by version.
	overridden bool
}

// merge folds reachable snapshots, in adapter-priority order, into one
// resolved view. The first snapshot seeds the merged state; each subsequent
// snapshot is diffed against it and resolved deterministically:
//
//   - identical: keep, carrying the highest observed version.
//   - strictly higher version: that value wins.
//   - version tie with differing fingerprints: the value already merged wins,
//     because snapshots fold in priority order. The loser is recorded as
//     overridden. Authority, not wall clocks: backends do not share a clock.
//   - present on one side only: pending insert everywhere else.
func merge(snaps []*state.Snapshot) map[state.Key]*resolution {
	merged := make(map[state.Key]*resolution)
	if len(snaps) == 0 {
		return merged
	}

	seed := snaps[0]
	for _, key := range seed.Keys() {
		merged[key] = &resolution{
			entity: seed.Get(key).Clone(),
			winner: seed.Backend,
		}
	}

	for _, snap := range snaps[1:] {
		for _, key := range snap.Keys() {
			theirs := snap.Get(key)
			res, ok := merged[key]
			if !ok {
				merged[key] = &resolution{
					entity:   theirs.Clone(),
					winner:   snap.Backend,
					relation: state.RelationOnlyInB,
				}
				continue
			}

			switch state.Compare(res.entity, theirs) {
			case state.RelationIdentical:
				// Same content. Carry the highest version seen so a later
				// insert into a lagging backend never hands it a counter
				// below what any peer already holds.
				if theirs.Version > res.entity.Version {
					res.entity.Version = theirs.Version
				}
				if theirs.UpdatedAt > res.entity.UpdatedAt {
					res.entity.UpdatedAt = theirs.UpdatedAt
				}

			case state.RelationANewer:
				res.relation = state.RelationANewer
				res.prevFingerprint = theirs.Fingerprint

			case state.RelationBNewer:
				res.prevFingerprint = res.entity.Fingerprint
				res.entity = theirs.Clone()
				res.winner = snap.Backend
				res.relation = state.RelationBNewer
				res.overridden = false

			case state.RelationConflict:
				// Higher-priority value already holds the slot.
				res.relation = state.RelationConflict
				res.prevFingerprint = theirs.Fingerprint
				res.overridden = true
			}
		}

		for key, res := range merged {
			if snap.Get(key) == nil && res.relation == "" {
				res.relation = state.RelationOnlyInA
			}
		}
	}

	return merged
}

// finish stamps each resolved entity with its origin and, for overridden
// conflicts, bumps the version past the tie. The tied losers take the new
// payload at a strictly higher version than the one they hold; without the
// bump their accepted writes would keep the version flat.
func finish(merged map[state.Key]*resolution) {
	for _, res := range merged {
		res.entity.Origin = res.winner
		if res.overridden {
			res.entity.Version++
			res.entity.UpdatedAt++
		}
	}
}
