package manifest

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Log is an append-only JSONL manifest history: one manifest per line,
// immutable once written. The caller decides where it lives; the daemon and
// CLI point it at manifests.jsonl under the file store root.
type Log struct {
	path string
}

// NewLog creates a manifest log at path. The parent directory is created if
// missing.
func NewLog(path string) (*Log, error) {
	if path == "" {
		return nil, fmt.Errorf("manifest log path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create manifest log directory: %w", err)
	}
	return &Log{path: path}, nil
}

// Path returns the log's file path.
func (l *Log) Path() string { return l.path }

// Append writes one manifest as a single JSONL line.
func (l *Log) Append(m *Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest %s: %w", m.RunID, err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open manifest log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to append manifest %s: %w", m.RunID, err)
	}
	return nil
}

// ReadAll returns every manifest in the log, oldest first. A missing log
// reads as empty.
func (l *Log) ReadAll() ([]*Manifest, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open manifest log: %w", err)
	}
	defer f.Close()

	var manifests []*Manifest
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var m Manifest
		if err := json.Unmarshal(scanner.Bytes(), &m); err != nil {
			return nil, fmt.Errorf("invalid manifest at line %d: %w", line, err)
		}
		manifests = append(manifests, &m)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read manifest log: %w", err)
	}
	return manifests, nil
}

// Latest returns the most recent manifest, or nil if the log is empty.
func (l *Log) Latest() (*Manifest, error) {
	all, err := l.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all[len(all)-1], nil
}

// Find returns the manifest with the given run id, or nil if absent.
func (l *Log) Find(runID string) (*Manifest, error) {
	all, err := l.ReadAll()
	if err != nil {
		return nil, err
	}
	for _, m := range all {
		if m.RunID == runID {
			return m, nil
		}
	}
	return nil, nil
}
