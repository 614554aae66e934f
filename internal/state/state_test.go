package state

import (
	"errors"
	"testing"

	"github.com/blackroad/roadsync/internal/fingerprint"
)

func testEngine(t *testing.T) *fingerprint.Engine {
	t.Helper()
	eng, err := fingerprint.New("sha256")
	if err != nil {
		t.Fatalf("fingerprint.New() failed: %v", err)
	}
	return eng
}

func makeEntity(t *testing.T, eng *fingerprint.Engine, kind Kind, id string, version int64, payload map[string]any) *Entity {
	t.Helper()
	e := &Entity{
		ID:        id,
		Kind:      kind,
		Payload:   payload,
		Version:   version,
		UpdatedAt: version,
	}
	if err := e.Refingerprint(eng); err != nil {
		t.Fatalf("Refingerprint() failed: %v", err)
	}
	return e
}

func TestNewSnapshot_Valid(t *testing.T) {
	eng := testEngine(t)
	entities := []*Entity{
		makeEntity(t, eng, KindProject, "proj-1", 1, map[string]any{"name": "alpha"}),
		makeEntity(t, eng, KindTask, "proj-1", 1, map[string]any{"title": "same id, different kind"}),
		makeEntity(t, eng, KindConfig, "endpoints", 3, map[string]any{"primary": "https://api.example.com"}),
	}

	snap, err := NewSnapshot("filestore", entities, eng)
	if err != nil {
		t.Fatalf("NewSnapshot() failed: %v", err)
	}
	if snap.Len() != 3 {
		t.Errorf("expected 3 entities, got %d", snap.Len())
	}

	// Same id is allowed across kinds.
	if snap.Get(Key{KindProject, "proj-1"}) == nil || snap.Get(Key{KindTask, "proj-1"}) == nil {
		t.Error("id should be unique per kind, not globally")
	}
}

func TestNewSnapshot_DuplicateEntity(t *testing.T) {
	eng := testEngine(t)
	entities := []*Entity{
		makeEntity(t, eng, KindTask, "task-1", 1, map[string]any{"title": "first"}),
		makeEntity(t, eng, KindTask, "task-1", 2, map[string]any{"title": "second"}),
	}

	_, err := NewSnapshot("kvstore", entities, eng)
	var dupErr *DuplicateEntityError
	if !errors.As(err, &dupErr) {
		t.Fatalf("expected *DuplicateEntityError, got %v", err)
	}
	if dupErr.Key.ID != "task-1" || dupErr.Backend != "kvstore" {
		t.Errorf("unexpected error detail: %+v", dupErr)
	}
}

func TestNewSnapshot_FingerprintMismatch(t *testing.T) {
	eng := testEngine(t)
	tampered := makeEntity(t, eng, KindConfig, "cfg-1", 1, map[string]any{"debug": false})
	tampered.Payload["debug"] = true // payload changed after fingerprinting

	_, err := NewSnapshot("filestore", []*Entity{tampered}, eng)
	var fpErr *FingerprintMismatchError
	if !errors.As(err, &fpErr) {
		t.Fatalf("expected *FingerprintMismatchError, got %v", err)
	}
}

func TestNewSnapshot_ClonesEntities(t *testing.T) {
	eng := testEngine(t)
	original := makeEntity(t, eng, KindProject, "proj-1", 1, map[string]any{"name": "alpha"})

	snap, err := NewSnapshot("mem", []*Entity{original}, eng)
	if err != nil {
		t.Fatalf("NewSnapshot() failed: %v", err)
	}

	original.Payload["name"] = "mutated"
	if got := snap.Get(Key{KindProject, "proj-1"}).Payload["name"]; got != "alpha" {
		t.Errorf("snapshot shares payload memory with caller: got %v", got)
	}
}

func TestDiff_Relations(t *testing.T) {
	eng := testEngine(t)

	snapA, err := NewSnapshot("a", []*Entity{
		makeEntity(t, eng, KindTask, "same", 2, map[string]any{"title": "unchanged"}),
		makeEntity(t, eng, KindTask, "newer-in-a", 5, map[string]any{"title": "v5"}),
		makeEntity(t, eng, KindTask, "newer-in-b", 1, map[string]any{"title": "v1"}),
		makeEntity(t, eng, KindTask, "conflicted", 3, map[string]any{"title": "foo"}),
		makeEntity(t, eng, KindTask, "a-only", 1, map[string]any{"title": "solo"}),
	}, eng)
	if err != nil {
		t.Fatalf("NewSnapshot(a) failed: %v", err)
	}

	snapB, err := NewSnapshot("b", []*Entity{
		makeEntity(t, eng, KindTask, "same", 4, map[string]any{"title": "unchanged"}),
		makeEntity(t, eng, KindTask, "newer-in-a", 3, map[string]any{"title": "v3"}),
		makeEntity(t, eng, KindTask, "newer-in-b", 2, map[string]any{"title": "v2"}),
		makeEntity(t, eng, KindTask, "conflicted", 3, map[string]any{"title": "bar"}),
		makeEntity(t, eng, KindTask, "b-only", 1, map[string]any{"title": "solo"}),
	}, eng)
	if err != nil {
		t.Fatalf("NewSnapshot(b) failed: %v", err)
	}

	got := make(map[string]Relation)
	for _, entry := range Diff(snapA, snapB) {
		got[entry.Key.ID] = entry.Relation
	}

	want := map[string]Relation{
		"same":       RelationIdentical, // same fingerprint, version irrelevant
		"newer-in-a": RelationANewer,
		"newer-in-b": RelationBNewer,
		"conflicted": RelationConflict,
		"a-only":     RelationOnlyInA,
		"b-only":     RelationOnlyInB,
	}

	for id, rel := range want {
		if got[id] != rel {
			t.Errorf("entity %s: expected %s, got %s", id, rel, got[id])
		}
	}
	if len(got) != len(want) {
		t.Errorf("expected %d diff entries, got %d", len(want), len(got))
	}
}

func TestEntityValidate(t *testing.T) {
	cases := []struct {
		name    string
		entity  Entity
		wantErr bool
	}{
		{"valid", Entity{ID: "x", Kind: KindTask, Version: 1}, false},
		{"missing id", Entity{Kind: KindTask, Version: 1}, true},
		{"bad kind", Entity{ID: "x", Kind: "board", Version: 1}, true},
		{"zero version", Entity{ID: "x", Kind: KindTask}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.entity.Validate()
			if tc.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
