package filestore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/blackroad/roadsync/internal/fingerprint"
	"github.com/blackroad/roadsync/internal/state"
)

func testStore(t *testing.T) (*Store, *fingerprint.Engine) {
	t.Helper()
	eng, err := fingerprint.New("sha256")
	if err != nil {
		t.Fatalf("fingerprint.New() failed: %v", err)
	}
	store, err := New("filestore", t.TempDir(), eng)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return store, eng
}

func makeEntity(t *testing.T, eng *fingerprint.Engine, kind state.Kind, id string, version int64, payload map[string]any) *state.Entity {
	t.Helper()
	e := &state.Entity{ID: id, Kind: kind, Payload: payload, Version: version, UpdatedAt: version}
	if err := e.Refingerprint(eng); err != nil {
		t.Fatalf("Refingerprint() failed: %v", err)
	}
	return e
}

func TestWriteRead_RoundTrip(t *testing.T) {
	store, eng := testStore(t)
	ctx := context.Background()

	want := makeEntity(t, eng, state.KindProject, "proj-1", 2, map[string]any{
		"name":   "api-gateway",
		"status": "active",
	})
	if err := store.Write(ctx, want); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}

	snap, err := store.Read(ctx)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}

	got := snap.Get(state.KeyOf(want))
	if got == nil {
		t.Fatal("entity missing after write")
	}
	if got.Fingerprint != want.Fingerprint {
		t.Errorf("fingerprint mismatch: %s vs %s", got.Fingerprint, want.Fingerprint)
	}
	if got.Version != 2 {
		t.Errorf("expected version 2, got %d", got.Version)
	}
}

func TestWrite_Idempotent(t *testing.T) {
	store, eng := testStore(t)
	ctx := context.Background()

	e := makeEntity(t, eng, state.KindTask, "task-1", 1, map[string]any{"title": "x"})
	if err := store.Write(ctx, e); err != nil {
		t.Fatalf("first Write() failed: %v", err)
	}

	path := filepath.Join(store.Root(), "tasks", "task-1.json")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("Stat() failed: %v", err)
	}

	// Second identical write must not advance the stored update counter.
	if err := store.Write(ctx, e); err != nil {
		t.Fatalf("second Write() failed: %v", err)
	}
	snap, err := store.Read(ctx)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	stored := snap.Get(state.KeyOf(e))
	if stored.UpdatedAt != e.UpdatedAt {
		t.Errorf("no-op write advanced updated_at to %d", stored.UpdatedAt)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("document vanished: %v", err)
	}
}

func TestRead_YAMLDocument(t *testing.T) {
	store, eng := testStore(t)

	// Hand-edited YAML config document with no stored kind field.
	dir := filepath.Join(store.Root(), "configs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll() failed: %v", err)
	}

	payload := map[string]any{"endpoint": "https://api.example.com", "retries": 3}
	digest, err := eng.Sum(payload)
	if err != nil {
		t.Fatalf("Sum() failed: %v", err)
	}

	doc := "id: endpoints\npayload:\n  endpoint: https://api.example.com\n  retries: 3\nfingerprint: " + digest + "\nversion: 1\nupdated_at: 1\n"
	if err := os.WriteFile(filepath.Join(dir, "endpoints.yaml"), []byte(doc), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	snap, err := store.Read(context.Background())
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	got := snap.Get(state.Key{Kind: state.KindConfig, ID: "endpoints"})
	if got == nil {
		t.Fatal("YAML document not read")
	}
	if got.Fingerprint != digest {
		t.Errorf("fingerprint mismatch after YAML read")
	}
}

func TestRead_CorruptFingerprint(t *testing.T) {
	store, eng := testStore(t)
	ctx := context.Background()

	e := makeEntity(t, eng, state.KindTask, "task-1", 1, map[string]any{"title": "x"})
	if err := store.Write(ctx, e); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}

	// Tamper with the payload on disk without fixing the fingerprint.
	path := filepath.Join(store.Root(), "tasks", "task-1.json")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() failed: %v", err)
	}
	tampered := []byte(string(data))
	tampered = []byte(replaceOnce(t, string(tampered), `"title": "x"`, `"title": "tampered"`))
	if err := os.WriteFile(path, tampered, 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	_, err = store.Read(ctx)
	var fpErr *state.FingerprintMismatchError
	if !errors.As(err, &fpErr) {
		t.Fatalf("expected *FingerprintMismatchError, got %v", err)
	}
}

func replaceOnce(t *testing.T, s, old, new string) string {
	t.Helper()
	idx := -1
	for i := 0; i+len(old) <= len(s); i++ {
		if s[i:i+len(old)] == old {
			idx = i
			break
		}
	}
	if idx < 0 {
		t.Fatalf("substring %q not found", old)
	}
	return s[:idx] + new + s[idx+len(old):]
}

func TestLastFingerprint(t *testing.T) {
	store, eng := testStore(t)
	ctx := context.Background()

	e := makeEntity(t, eng, state.KindConfig, "cfg-1", 1, map[string]any{"debug": true})
	if err := store.Write(ctx, e); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}

	digest, ok, err := store.LastFingerprint(ctx, state.KeyOf(e))
	if err != nil || !ok {
		t.Fatalf("LastFingerprint() failed: ok=%v err=%v", ok, err)
	}
	if digest != e.Fingerprint {
		t.Errorf("fingerprint mismatch: %s vs %s", digest, e.Fingerprint)
	}

	_, ok, err = store.LastFingerprint(ctx, state.Key{Kind: state.KindTask, ID: "ghost"})
	if err != nil {
		t.Fatalf("LastFingerprint() failed: %v", err)
	}
	if ok {
		t.Error("expected ok=false for absent entity")
	}
}

func TestRead_EmptyStore(t *testing.T) {
	store, _ := testStore(t)
	snap, err := store.Read(context.Background())
	if err != nil {
		t.Fatalf("Read() of empty store failed: %v", err)
	}
	if snap.Len() != 0 {
		t.Errorf("expected empty snapshot, got %d entities", snap.Len())
	}
}
