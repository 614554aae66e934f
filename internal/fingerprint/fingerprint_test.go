package fingerprint

import (
	"errors"
	"testing"
)

func TestNew_UnknownAlgorithm(t *testing.T) {
	_, err := New("sha256", "md5-infinity")
	if err == nil {
		t.Fatal("New() should fail for unknown algorithm")
	}

	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigurationError, got %T", err)
	}
	if cfgErr.Algorithm != "md5-infinity" {
		t.Errorf("expected algorithm md5-infinity in error, got %q", cfgErr.Algorithm)
	}
}

func TestSum_KeyOrderIndependent(t *testing.T) {
	eng, err := New("sha256")
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	a := map[string]any{
		"name":   "api-gateway",
		"region": "nyc3",
		"tags":   []any{"prod", "edge"},
		"limits": map[string]any{"cpu": 2, "mem": 4096},
	}
	b := map[string]any{
		"limits": map[string]any{"mem": 4096, "cpu": 2},
		"tags":   []any{"prod", "edge"},
		"region": "nyc3",
		"name":   "api-gateway",
	}

	da, err := eng.Sum(a)
	if err != nil {
		t.Fatalf("Sum(a) failed: %v", err)
	}
	db, err := eng.Sum(b)
	if err != nil {
		t.Fatalf("Sum(b) failed: %v", err)
	}

	if da != db {
		t.Errorf("digests differ for logically-equivalent payloads:\n  a=%s\n  b=%s", da, db)
	}
}

func TestSum_Deterministic(t *testing.T) {
	eng, _ := New("sha256")
	payload := map[string]any{"status": "active", "priority": 1}

	first, err := eng.Sum(payload)
	if err != nil {
		t.Fatalf("Sum() failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := eng.Sum(payload)
		if err != nil {
			t.Fatalf("Sum() failed on iteration %d: %v", i, err)
		}
		if again != first {
			t.Fatalf("digest not deterministic: %s vs %s", first, again)
		}
	}
}

func TestSum_PayloadChangesDigest(t *testing.T) {
	eng, _ := New("sha256")

	d1, err := eng.Sum(map[string]any{"value": "foo"})
	if err != nil {
		t.Fatalf("Sum() failed: %v", err)
	}
	d2, err := eng.Sum(map[string]any{"value": "bar"})
	if err != nil {
		t.Fatalf("Sum() failed: %v", err)
	}

	if d1 == d2 {
		t.Error("different payloads produced identical digests")
	}
}

func TestChainDigest(t *testing.T) {
	eng, _ := New("sha256")
	base := eng.SumBytes([]byte("state"))

	chained, err := ChainDigest(base, []string{"sha3-256", "blake2b"})
	if err != nil {
		t.Fatalf("ChainDigest() failed: %v", err)
	}
	if chained == base {
		t.Error("chained digest should differ from base digest")
	}

	// Chaining must be reproducible.
	again, err := ChainDigest(base, []string{"sha3-256", "blake2b"})
	if err != nil {
		t.Fatalf("ChainDigest() failed: %v", err)
	}
	if again != chained {
		t.Errorf("chain not deterministic: %s vs %s", chained, again)
	}

	if _, err := ChainDigest(base, []string{"rot13"}); err == nil {
		t.Error("ChainDigest() should fail for unknown algorithm")
	}
	if _, err := ChainDigest(base, nil); err == nil {
		t.Error("ChainDigest() should fail for empty chain")
	}
}

func TestEngineChain_MatchesManualChaining(t *testing.T) {
	single, _ := New("sha256")
	layered, _ := New("sha256", "sha3-256")

	base := single.SumBytes([]byte("payload"))
	manual, err := ChainDigest(base, []string{"sha3-256"})
	if err != nil {
		t.Fatalf("ChainDigest() failed: %v", err)
	}

	if got := layered.SumBytes([]byte("payload")); got != manual {
		t.Errorf("layered engine digest %s != manually chained %s", got, manual)
	}
}

func TestManifestDigest_OrderSensitive(t *testing.T) {
	eng, _ := New("sha256")

	entries := []string{
		eng.SumBytes([]byte("entry-1")),
		eng.SumBytes([]byte("entry-2")),
		eng.SumBytes([]byte("entry-3")),
	}

	d1 := eng.ManifestDigest(entries)
	reordered := []string{entries[1], entries[0], entries[2]}
	d2 := eng.ManifestDigest(reordered)

	if d1 == d2 {
		t.Error("manifest digest should depend on entry order")
	}

	if eng.ManifestDigest(nil) != "" {
		t.Error("empty manifest should have empty digest")
	}
}

func TestKeyedSum(t *testing.T) {
	eng, _ := New("sha256")
	payload := map[string]any{"id": "proj-1"}

	d1, err := eng.KeyedSum(payload, []byte("key-a"))
	if err != nil {
		t.Fatalf("KeyedSum() failed: %v", err)
	}
	d2, err := eng.KeyedSum(payload, []byte("key-b"))
	if err != nil {
		t.Fatalf("KeyedSum() failed: %v", err)
	}

	if d1 == d2 {
		t.Error("different keys produced identical keyed digests")
	}
}

func TestCanonicalize_NumericEquivalence(t *testing.T) {
	// JSON decoding yields float64, YAML decoding yields int. Both must
	// canonicalize to the same bytes.
	a, err := Canonicalize(map[string]any{"count": float64(3)})
	if err != nil {
		t.Fatalf("Canonicalize() failed: %v", err)
	}
	b, err := Canonicalize(map[string]any{"count": 3})
	if err != nil {
		t.Fatalf("Canonicalize() failed: %v", err)
	}
	if string(a) != string(b) {
		t.Errorf("int and integral float canonicalize differently: %s vs %s", a, b)
	}
}
