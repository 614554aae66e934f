// Package kvstore implements the backend adapter for the embedded key-value
// state store (the edge cache).
//
// The store is an embedded SQLite database opened in WAL mode for concurrent
// readers during writes. Entities are rows keyed by (kind, id) with the
// payload serialized as JSON. Reads come from a single query, which gives a
// point-in-time view for free.
package kvstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/blackroad/roadsync/internal/backend"
	"github.com/blackroad/roadsync/internal/fingerprint"
	"github.com/blackroad/roadsync/internal/state"
)

// Store is the SQLite-backed adapter.
type Store struct {
	name string
	conn *sql.DB
	eng  *fingerprint.Engine
}

// Open creates or opens the state database at path.
//
// The database is opened in embedded mode with WAL and a busy timeout, and
// the schema is created if missing. The caller MUST call Close() when done.
//
// Example:
//
//	store, err := kvstore.Open("kvstore", ".roadsync/state.db", eng)
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(name, path string, eng *fingerprint.Engine) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	store := &Store{name: name, conn: conn, eng: eng}
	if err := store.initSchema(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return store, nil
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	if s.conn == nil {
		return fmt.Errorf("database %s is closed", s.name)
	}
	if err := s.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	return nil
}

// Close closes the database, checkpointing the WAL first.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	err := s.conn.Close()
	s.conn = nil
	if err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS entities (
		kind TEXT NOT NULL,
		id TEXT NOT NULL,
		payload TEXT NOT NULL,  -- JSON object
		fingerprint TEXT NOT NULL,
		version INTEGER NOT NULL,
		origin TEXT,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (kind, id)
	);

	CREATE INDEX IF NOT EXISTS idx_entities_fingerprint ON entities(fingerprint);
	CREATE INDEX IF NOT EXISTS idx_entities_origin ON entities(origin);
	`
	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Name implements backend.Adapter.
func (s *Store) Name() string { return s.name }

// Read implements backend.Adapter.
func (s *Store) Read(ctx context.Context) (*state.Snapshot, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT kind, id, payload, fingerprint, version, origin, updated_at FROM entities`)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer rows.Close()

	var entities []*state.Entity
	for rows.Next() {
		var (
			kind, id, payloadJSON, fp string
			origin                    sql.NullString
			version, updatedAt        int64
		)
		if err := rows.Scan(&kind, &id, &payloadJSON, &fp, &version, &origin, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entity row: %w", err)
		}

		var payload map[string]any
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			return nil, fmt.Errorf("invalid payload JSON for %s/%s: %w", kind, id, err)
		}

		entities = append(entities, &state.Entity{
			ID:          id,
			Kind:        state.Kind(kind),
			Payload:     payload,
			Fingerprint: fp,
			Version:     version,
			Origin:      origin.String,
			UpdatedAt:   updatedAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entities: %w", err)
	}

	return state.NewSnapshot(s.name, entities, s.eng)
}

// Write implements backend.Adapter. The upsert is idempotent: a row already
// holding the incoming (fingerprint, version) is left untouched.
func (s *Store) Write(ctx context.Context, e *state.Entity) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("kvstore %s: rejecting invalid entity: %w", s.name, err)
	}

	payloadJSON, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for %s: %w", e.ID, err)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := readRow(ctx, tx, state.KeyOf(e))
	if err != nil {
		return err
	}
	if !backend.AcceptWrite(existing, e) {
		return tx.Commit()
	}

	query := `
	INSERT INTO entities (kind, id, payload, fingerprint, version, origin, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(kind, id) DO UPDATE SET
		payload = excluded.payload,
		fingerprint = excluded.fingerprint,
		version = excluded.version,
		origin = excluded.origin,
		updated_at = excluded.updated_at
	`
	_, err = tx.ExecContext(ctx, query,
		string(e.Kind), e.ID, string(payloadJSON), e.Fingerprint,
		e.Version, e.Origin, backend.NextUpdatedAt(existing, e))
	if err != nil {
		return fmt.Errorf("failed to upsert entity %s: %w", e.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit write for %s: %w", e.ID, err)
	}
	return nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readRow(ctx context.Context, q querier, key state.Key) (*state.Entity, error) {
	row := q.QueryRowContext(ctx,
		`SELECT fingerprint, version, updated_at FROM entities WHERE kind = ? AND id = ?`,
		string(key.Kind), key.ID)

	var (
		fp                 string
		version, updatedAt int64
	)
	if err := row.Scan(&fp, &version, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read entity %s: %w", key, err)
	}
	return &state.Entity{
		ID:          key.ID,
		Kind:        key.Kind,
		Fingerprint: fp,
		Version:     version,
		UpdatedAt:   updatedAt,
	}, nil
}

// LastFingerprint implements backend.Adapter.
func (s *Store) LastFingerprint(ctx context.Context, key state.Key) (string, bool, error) {
	e, err := readRow(ctx, s.conn, key)
	if err != nil {
		return "", false, err
	}
	if e == nil {
		return "", false, nil
	}
	return e.Fingerprint, true, nil
}
