// Package fingerprint computes content digests for state integrity verification.
//
// Digests are pure functions of an entity's payload: the payload is
// canonicalized (keys sorted recursively, compact JSON encoding) before
// hashing, so two logically-equivalent payloads always produce the same
// digest regardless of field order or original serialization.
//
// The package supports layered verification through hash chains: an ordered
// list of algorithm names is applied in sequence, each algorithm hashing the
// hex output of the previous one. Manifest digests are built the same way,
// chaining per-entry digests in manifest order, so a historical manifest can
// be proven unmodified after the fact.
package fingerprint

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"sort"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/sha3"
)

// ConfigurationError indicates an unsupported algorithm identifier or an
// empty algorithm chain. It aborts setup before any reconciliation run starts.
type ConfigurationError struct {
	Algorithm string
	Reason    string
}

func (e *ConfigurationError) Error() string {
	if e.Algorithm != "" {
		return fmt.Sprintf("fingerprint configuration error: unknown algorithm %q", e.Algorithm)
	}
	return fmt.Sprintf("fingerprint configuration error: %s", e.Reason)
}

// newHash maps an algorithm identifier to its hash constructor.
// Identifiers match the ones accepted in configuration files.
func newHash(name string) (func() hash.Hash, error) {
	switch name {
	case "sha256":
		return sha256.New, nil
	case "sha384":
		return sha512.New384, nil
	case "sha512":
		return sha512.New, nil
	case "sha3-256":
		return sha3.New256, nil
	case "sha3-512":
		return sha3.New512, nil
	case "blake2b":
		return func() hash.Hash { h, _ := blake2b.New256(nil); return h }, nil
	case "blake2s":
		return func() hash.Hash { h, _ := blake2s.New256(nil); return h }, nil
	default:
		return nil, &ConfigurationError{Algorithm: name}
	}
}

// Algorithms lists the supported algorithm identifiers.
func Algorithms() []string {
	names := []string{"sha256", "sha384", "sha512", "sha3-256", "sha3-512", "blake2b", "blake2s"}
	sort.Strings(names)
	return names
}

// Engine computes digests using a configured algorithm chain.
//
// A chain of length one behaves as a plain hash. Longer chains apply each
// algorithm to the hex output of the previous one, for callers that want a
// fast digest layered under a stronger one.
type Engine struct {
	chain []string
}

// DefaultChain is used when no algorithm chain is configured.
var DefaultChain = []string{"sha256"}

// New creates an Engine for the given algorithm chain.
//
// Every identifier is validated up front; an unknown identifier returns a
// *ConfigurationError and no Engine.
func New(chain ...string) (*Engine, error) {
	if len(chain) == 0 {
		chain = DefaultChain
	}
	for _, name := range chain {
		if _, err := newHash(name); err != nil {
			return nil, err
		}
	}
	return &Engine{chain: append([]string(nil), chain...)}, nil
}

// Chain returns the engine's configured algorithm chain.
func (e *Engine) Chain() []string {
	return append([]string(nil), e.chain...)
}

// SumBytes hashes raw bytes through the algorithm chain and returns the
// hex-encoded final digest.
func (e *Engine) SumBytes(data []byte) string {
	cur := data
	for _, name := range e.chain {
		ctor, _ := newHash(name) // validated in New
		h := ctor()
		h.Write(cur)
		cur = []byte(hex.EncodeToString(h.Sum(nil)))
	}
	return string(cur)
}

// Sum canonicalizes a payload and hashes it through the algorithm chain.
//
// The digest is a pure function of the payload: key order never affects the
// result. Payload values must be JSON-representable; anything else fails.
func (e *Engine) Sum(payload map[string]any) (string, error) {
	data, err := Canonicalize(payload)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize payload: %w", err)
	}
	return e.SumBytes(data), nil
}

// ChainDigest applies an explicit algorithm chain to an existing digest,
// hashing the hex output of each step as input to the next. This lets a
// caller layer extra verification on top of a stored digest without
// reconfiguring the engine.
func ChainDigest(digest string, algorithms []string) (string, error) {
	if len(algorithms) == 0 {
		return "", &ConfigurationError{Reason: "empty algorithm chain"}
	}
	cur := []byte(digest)
	for _, name := range algorithms {
		ctor, err := newHash(name)
		if err != nil {
			return "", err
		}
		h := ctor()
		h.Write(cur)
		cur = []byte(hex.EncodeToString(h.Sum(nil)))
	}
	return string(cur), nil
}

// ManifestDigest chains a sequence of per-entry digests in order.
//
// Each step hashes the running digest concatenated with the next entry
// digest, so altering, reordering, or removing any entry changes the result.
func (e *Engine) ManifestDigest(entryDigests []string) string {
	running := ""
	for _, d := range entryDigests {
		running = e.SumBytes([]byte(running + d))
	}
	return running
}

// KeyedSum computes an HMAC over the canonicalized payload using the first
// algorithm of the chain. Used by callers that need authenticated digests
// rather than plain integrity checks.
func (e *Engine) KeyedSum(payload map[string]any, key []byte) (string, error) {
	data, err := Canonicalize(payload)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize payload: %w", err)
	}
	ctor, _ := newHash(e.chain[0])
	mac := hmac.New(ctor, key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Equal compares two digests in constant time.
func Equal(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
