// Package crm implements the backend adapter for the CRM-style record store.
//
// The CRM exposes custom-object records over HTTP. This client keeps the
// surface narrow: list records, upsert one record, fetch one record. Bearer
// authentication and request timeouts live here; retry and backoff policy is
// owned by the reconciliation orchestrator, never the adapter.
//
// The CRM cannot guarantee a point-in-time listing (records mutate under the
// reader), so Read retries until two consecutive listings agree, bounded by
// the configured attempt ceiling.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/blackroad/roadsync/internal/backend"
	"github.com/blackroad/roadsync/internal/fingerprint"
	"github.com/blackroad/roadsync/internal/state"
)

// Config holds client configuration for the CRM adapter.
type Config struct {
	// Name is the backend name used in snapshots and manifests.
	Name string

	// BaseURL is the record store root, e.g. "https://crm.example.com/api/v1".
	BaseURL string

	// Token is the bearer token. Empty disables the Authorization header.
	Token string

	// ReadAttempts bounds the consistent-read retry loop (default 3).
	ReadAttempts int

	// Timeout applies per HTTP request (default 30s).
	Timeout time.Duration

	// HTTPClient overrides the default client; used by tests.
	HTTPClient *http.Client
}

// Client is the CRM adapter.
type Client struct {
	cfg  Config
	http *http.Client
	eng  *fingerprint.Engine
}

// New creates a CRM adapter from config.
func New(cfg Config, eng *fingerprint.Engine) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("crm base URL cannot be empty")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid crm base URL: %w", err)
	}
	if cfg.Name == "" {
		cfg.Name = "crm"
	}
	if cfg.ReadAttempts < 2 {
		cfg.ReadAttempts = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{cfg: cfg, http: httpClient, eng: eng}, nil
}

// Name implements backend.Adapter.
func (c *Client) Name() string { return c.cfg.Name }

// record is the wire envelope for one CRM custom-object record.
type record struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	Payload     map[string]any `json:"payload"`
	Fingerprint string         `json:"fingerprint"`
	Version     int64          `json:"version"`
	Origin      string         `json:"origin,omitempty"`
	UpdatedAt   int64          `json:"updated_at"`
}

func (r *record) entity() *state.Entity {
	return &state.Entity{
		ID:          r.ID,
		Kind:        state.Kind(r.Kind),
		Payload:     r.Payload,
		Fingerprint: r.Fingerprint,
		Version:     r.Version,
		Origin:      r.Origin,
		UpdatedAt:   r.UpdatedAt,
	}
}

// Read implements backend.Adapter.
func (c *Client) Read(ctx context.Context) (*state.Snapshot, error) {
	return backend.ConsistentRead(ctx, c.cfg.Name, c.cfg.ReadAttempts, c.readOnce)
}

func (c *Client) readOnce(ctx context.Context) (*state.Snapshot, error) {
	var records []record
	if err := c.do(ctx, http.MethodGet, "/records", nil, &records); err != nil {
		return nil, fmt.Errorf("failed to list crm records: %w", err)
	}

	entities := make([]*state.Entity, 0, len(records))
	for i := range records {
		entities = append(entities, records[i].entity())
	}
	return state.NewSnapshot(c.cfg.Name, entities, c.eng)
}

// Write implements backend.Adapter. The server side treats the upsert as
// idempotent; the client additionally short-circuits when the stored
// fingerprint and version already match, saving the round trip.
func (c *Client) Write(ctx context.Context, e *state.Entity) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("crm %s: rejecting invalid entity: %w", c.cfg.Name, err)
	}

	existing, err := c.fetch(ctx, state.KeyOf(e))
	if err != nil {
		return err
	}
	if !backend.AcceptWrite(existing, e) {
		return nil
	}

	rec := record{
		ID:          e.ID,
		Kind:        string(e.Kind),
		Payload:     e.Payload,
		Fingerprint: e.Fingerprint,
		Version:     e.Version,
		Origin:      e.Origin,
		UpdatedAt:   backend.NextUpdatedAt(existing, e),
	}

	path := fmt.Sprintf("/records/%s/%s", url.PathEscape(string(e.Kind)), url.PathEscape(e.ID))
	if err := c.do(ctx, http.MethodPut, path, &rec, nil); err != nil {
		return fmt.Errorf("failed to upsert crm record %s: %w", e.ID, err)
	}
	return nil
}

// LastFingerprint implements backend.Adapter.
func (c *Client) LastFingerprint(ctx context.Context, key state.Key) (string, bool, error) {
	rec, err := c.fetch(ctx, key)
	if err != nil {
		return "", false, err
	}
	if rec == nil {
		return "", false, nil
	}
	return rec.Fingerprint, true, nil
}

// fetch returns one record as an entity, or nil on 404.
func (c *Client) fetch(ctx context.Context, key state.Key) (*state.Entity, error) {
	path := fmt.Sprintf("/records/%s/%s", url.PathEscape(string(key.Kind)), url.PathEscape(key.ID))

	var rec record
	err := c.do(ctx, http.MethodGet, path, nil, &rec)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch crm record %s: %w", key, err)
	}
	return rec.entity(), nil
}

// statusError carries a non-2xx response.
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	body := e.Body
	if len(body) > 120 {
		body = body[:120] + "..."
	}
	return fmt.Sprintf("crm returned status %d: %s", e.Code, body)
}

// do performs one HTTP request with auth headers, encoding body as JSON and
// decoding the response into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	u := strings.TrimRight(c.cfg.BaseURL, "/") + path

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "roadsync/1.0")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{Code: resp.StatusCode, Body: string(data)}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("invalid response JSON: %w", err)
		}
	}
	return nil
}
