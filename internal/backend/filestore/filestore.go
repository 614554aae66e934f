// Package filestore implements the backend adapter for the file-backed
// source of truth: one document per entity under a version-controlled root.
//
// Layout:
//   - root/projects/{id}.json
//   - root/tasks/{id}.json
//   - root/configs/{id}.json (or .yaml)
//
// Writes are atomic (temp file + rename) so a crashed sync never leaves a
// torn document behind. Missing directories read as empty, matching how the
// store looks in a fresh checkout.
package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/blackroad/roadsync/internal/backend"
	"github.com/blackroad/roadsync/internal/fingerprint"
	"github.com/blackroad/roadsync/internal/state"
)

// kindDirs maps entity kinds to their directory names under the root.
var kindDirs = map[state.Kind]string{
	state.KindProject: "projects",
	state.KindTask:    "tasks",
	state.KindConfig:  "configs",
}

// Store is the file-backed adapter.
type Store struct {
	name string
	root string
	eng  *fingerprint.Engine

	// Serializes writes; reads go through the filesystem and are naturally
	// consistent because documents are replaced atomically.
	mu sync.Mutex
}

// New creates a file store adapter rooted at root. The root directory is
// created if missing.
func New(name, root string, eng *fingerprint.Engine) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("filestore root cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create filestore root: %w", err)
	}
	return &Store{name: name, root: root, eng: eng}, nil
}

// Name implements backend.Adapter.
func (s *Store) Name() string { return s.name }

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// document is the on-disk envelope for one entity.
type document struct {
	ID          string         `json:"id" yaml:"id"`
	Kind        string         `json:"kind" yaml:"kind"`
	Payload     map[string]any `json:"payload" yaml:"payload"`
	Fingerprint string         `json:"fingerprint" yaml:"fingerprint"`
	Version     int64          `json:"version" yaml:"version"`
	Origin      string         `json:"origin,omitempty" yaml:"origin,omitempty"`
	UpdatedAt   int64          `json:"updated_at" yaml:"updated_at"`
}

func (d *document) entity() *state.Entity {
	return &state.Entity{
		ID:          d.ID,
		Kind:        state.Kind(d.Kind),
		Payload:     d.Payload,
		Fingerprint: d.Fingerprint,
		Version:     d.Version,
		Origin:      d.Origin,
		UpdatedAt:   d.UpdatedAt,
	}
}

// Read implements backend.Adapter. The filesystem view is point-in-time
// consistent for our purposes: documents are replaced atomically and the
// snapshot validates every fingerprint on the way in.
func (s *Store) Read(ctx context.Context) (*state.Snapshot, error) {
	var entities []*state.Entity

	for kind, dir := range kindDirs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		dirPath := filepath.Join(s.root, dir)
		files, err := os.ReadDir(dirPath)
		if err != nil {
			if os.IsNotExist(err) {
				continue // empty store for this kind
			}
			return nil, fmt.Errorf("failed to read %s directory: %w", dir, err)
		}

		for _, f := range files {
			if f.IsDir() || !isDocument(f.Name()) {
				continue
			}
			doc, err := readDocument(filepath.Join(dirPath, f.Name()))
			if err != nil {
				return nil, fmt.Errorf("failed to read document %s/%s: %w", dir, f.Name(), err)
			}
			if doc.Kind == "" {
				doc.Kind = string(kind)
			}
			entities = append(entities, doc.entity())
		}
	}

	return state.NewSnapshot(s.name, entities, s.eng)
}

func isDocument(name string) bool {
	return strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}

func readDocument(path string) (*document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc document
	if strings.HasSuffix(path, ".json") {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
		doc.Payload = normalizeYAML(doc.Payload)
	}
	return &doc, nil
}

// normalizeYAML rewrites YAML-decoded values into the JSON-compatible shapes
// the fingerprint engine canonicalizes (string-keyed maps all the way down).
func normalizeYAML(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return normalizeYAML(val)
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = normalizeValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return val
	}
}

// Write implements backend.Adapter. Documents are always written as JSON;
// YAML is accepted on read for hand-edited config documents.
func (s *Store) Write(ctx context.Context, e *state.Entity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.Validate(); err != nil {
		return fmt.Errorf("filestore %s: rejecting invalid entity: %w", s.name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.readEntity(state.KeyOf(e))
	if err != nil {
		return err
	}
	if !backend.AcceptWrite(existing, e) {
		return nil
	}

	doc := document{
		ID:          e.ID,
		Kind:        string(e.Kind),
		Payload:     e.Payload,
		Fingerprint: e.Fingerprint,
		Version:     e.Version,
		Origin:      e.Origin,
		UpdatedAt:   backend.NextUpdatedAt(existing, e),
	}

	data, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal document %s: %w", e.ID, err)
	}
	data = append(data, '\n')

	dirPath := filepath.Join(s.root, kindDirs[e.Kind])
	if err := os.MkdirAll(dirPath, 0o755); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", kindDirs[e.Kind], err)
	}

	path := filepath.Join(dirPath, e.ID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp document: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace document %s: %w", path, err)
	}

	// A YAML twin becomes stale once the JSON document exists.
	for _, ext := range []string{".yaml", ".yml"} {
		_ = os.Remove(filepath.Join(dirPath, e.ID+ext))
	}

	return nil
}

// LastFingerprint implements backend.Adapter.
func (s *Store) LastFingerprint(ctx context.Context, key state.Key) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	e, err := s.readEntity(key)
	if err != nil {
		return "", false, err
	}
	if e == nil {
		return "", false, nil
	}
	return e.Fingerprint, true, nil
}

// readEntity loads a single entity by key, or nil if absent.
func (s *Store) readEntity(key state.Key) (*state.Entity, error) {
	dirPath := filepath.Join(s.root, kindDirs[key.Kind])
	for _, ext := range []string{".json", ".yaml", ".yml"} {
		path := filepath.Join(dirPath, key.ID+ext)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		doc, err := readDocument(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read document for %s: %w", key, err)
		}
		if doc.Kind == "" {
			doc.Kind = string(key.Kind)
		}
		return doc.entity(), nil
	}
	return nil, nil
}
