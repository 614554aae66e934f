package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/blackroad/roadsync/internal/manifest"
	"github.com/blackroad/roadsync/internal/reconcile"
)

func startServer(t *testing.T, config *Config) *Server {
	t.Helper()
	if config == nil {
		config = &Config{}
	}
	config.Logger = log.New(io.Discard, "", 0)

	srv := NewServer(config)
	if err := srv.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = srv.Stop() })
	return srv
}

func TestWebSocketReceivesRunEvents(t *testing.T) {
	srv := startServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, fmt.Sprintf("ws://%s/ws", srv.Addr()), nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Give the server a beat to register the client.
	time.Sleep(50 * time.Millisecond)

	srv.RunStarted("run-42")
	srv.PhaseChanged("run-42", reconcile.PhaseCollecting)
	srv.RunFinished(&manifest.Manifest{RunID: "run-42", Status: manifest.RunCompleted, Digest: "abc"})

	want := []MessageType{MessageTypeRunStarted, MessageTypePhase, MessageTypeRunFinished}
	for _, wantType := range want {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("failed to read broadcast: %v", err)
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("failed to decode broadcast: %v", err)
		}
		if msg.Type != wantType {
			t.Fatalf("expected %s, got %s", wantType, msg.Type)
		}
		if msg.RunID != "run-42" {
			t.Fatalf("expected run-42, got %s", msg.RunID)
		}
	}
}

func TestHealthEndpointWithoutChecker(t *testing.T) {
	srv := startServer(t, nil)

	resp, err := http.Get(fmt.Sprintf("http://%s/health", srv.Addr()))
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode health response: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected bare ok, got %v", body)
	}
}

func TestLatestManifestEndpoint(t *testing.T) {
	mlog, err := manifest.NewLog(filepath.Join(t.TempDir(), "manifests.jsonl"))
	if err != nil {
		t.Fatalf("failed to create manifest log: %v", err)
	}
	if err := mlog.Append(&manifest.Manifest{RunID: "run-1", Status: manifest.RunCompleted}); err != nil {
		t.Fatalf("failed to append manifest: %v", err)
	}
	if err := mlog.Append(&manifest.Manifest{RunID: "run-2", Status: manifest.RunPartial}); err != nil {
		t.Fatalf("failed to append manifest: %v", err)
	}

	srv := startServer(t, &Config{ManifestLog: mlog})

	resp, err := http.Get(fmt.Sprintf("http://%s/manifest/latest", srv.Addr()))
	if err != nil {
		t.Fatalf("manifest request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var m manifest.Manifest
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		t.Fatalf("failed to decode manifest: %v", err)
	}
	if m.RunID != "run-2" {
		t.Fatalf("expected latest run-2, got %s", m.RunID)
	}
}

func TestLatestManifestEndpointEmpty(t *testing.T) {
	mlog, err := manifest.NewLog(filepath.Join(t.TempDir(), "manifests.jsonl"))
	if err != nil {
		t.Fatalf("failed to create manifest log: %v", err)
	}

	srv := startServer(t, &Config{ManifestLog: mlog})

	resp, err := http.Get(fmt.Sprintf("http://%s/manifest/latest", srv.Addr()))
	if err != nil {
		t.Fatalf("manifest request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for empty log, got %d", resp.StatusCode)
	}
}
