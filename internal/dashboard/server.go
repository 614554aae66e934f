// Package dashboard provides a real-time WebSocket view of reconciliation.
//
// The server broadcasts run lifecycle events (run started, phase changes,
// per-entity resolutions, sealed manifests) to connected WebSocket clients,
// and serves the latest backend health report and manifest over plain HTTP.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/blackroad/roadsync/internal/health"
	"github.com/blackroad/roadsync/internal/manifest"
	"github.com/blackroad/roadsync/internal/reconcile"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeRunStarted indicates a reconciliation run began
	MessageTypeRunStarted MessageType = "run_started"

	// MessageTypePhase indicates a run moved to a new phase
	MessageTypePhase MessageType = "phase"

	// MessageTypeEntityResolved indicates one entity finished its apply step
	MessageTypeEntityResolved MessageType = "entity_resolved"

	// MessageTypeRunFinished indicates a run sealed its manifest
	MessageTypeRunFinished MessageType = "run_finished"
)

// Message represents a dashboard broadcast message
type Message struct {
	Type      MessageType     `json:"type"`
	RunID     string          `json:"run_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Config holds server configuration
type Config struct {
	// Port to listen on (default: 8080)
	Port int

	// Checker, when set, backs the /health endpoint
	Checker *health.Checker

	// ManifestLog, when set, backs the /manifest/latest endpoint
	ManifestLog *manifest.Log

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Port:   8080,
		Logger: log.Default(),
	}
}

// Server manages WebSocket connections and broadcasts run events.
//
// Server implements reconcile.Events, so it can be handed straight to the
// orchestrator via reconcile.WithEvents.
type Server struct {
	addr    string
	checker *health.Checker
	mlog    *manifest.Log

	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewServer creates a new dashboard WebSocket server
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      fmt.Sprintf(":%d", config.Port),
		checker:   config.Checker,
		mlog:      config.ManifestLog,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// Start begins the HTTP server and WebSocket handler
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/manifest/latest", s.handleLatestManifest)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard server listening on %s", s.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Addr returns the bound listen address, useful when Port was 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	s.logger.Println("Stopping dashboard server")

	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()

	s.logger.Println("Dashboard server stopped")
	return nil
}

// RunStarted implements reconcile.Events.
func (s *Server) RunStarted(runID string) {
	s.Broadcast(Message{Type: MessageTypeRunStarted, RunID: runID})
}

// PhaseChanged implements reconcile.Events.
func (s *Server) PhaseChanged(runID string, phase reconcile.Phase) {
	data, _ := json.Marshal(map[string]string{"phase": string(phase)})
	s.Broadcast(Message{Type: MessageTypePhase, RunID: runID, Data: data})
}

// EntityResolved implements reconcile.Events.
func (s *Server) EntityResolved(runID string, entry manifest.Entry) {
	data, err := json.Marshal(entry)
	if err != nil {
		s.logger.Printf("Failed to marshal entry: %v", err)
		return
	}
	s.Broadcast(Message{Type: MessageTypeEntityResolved, RunID: runID, Data: data})
}

// RunFinished implements reconcile.Events.
func (s *Server) RunFinished(m *manifest.Manifest) {
	data, err := json.Marshal(m)
	if err != nil {
		s.logger.Printf("Failed to marshal manifest: %v", err)
		return
	}
	s.Broadcast(Message{Type: MessageTypeRunFinished, RunID: m.RunID, Data: data})
}

// Broadcast sends a message to all connected clients
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
		return
	default:
		s.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

// broadcastLoop fans queued messages out to every connected client
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now().UTC()
			}

			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("Failed to marshal message: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			// Write outside the read lock so a slow client never blocks
			// registration.
			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.logger.Printf("Failed to send to client: %v", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

// handleWebSocket upgrades HTTP connections to WebSocket
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Client connected (total: %d)", clientCount)

	go s.readLoop(conn)
}

// readLoop keeps the WebSocket connection alive and handles client disconnects
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		_, _, err := conn.Read(s.ctx)
		if err != nil {
			return
		}
		// Client messages are ignored; the stream is one-way.
	}
}

// removeClient safely removes a client connection
func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Client disconnected (total: %d)", clientCount)
}

// handleHealth serves the current backend health report, or a bare liveness
// response when no checker is configured.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.checker == nil {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		return
	}

	report, err := s.checker.Run(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("health check failed: %v", err), http.StatusInternalServerError)
		return
	}
	if !report.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(report)
}

// handleLatestManifest serves the most recent sealed manifest.
func (s *Server) handleLatestManifest(w http.ResponseWriter, r *http.Request) {
	if s.mlog == nil {
		http.Error(w, "no manifest log configured", http.StatusNotFound)
		return
	}

	m, err := s.mlog.Latest()
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to read manifest log: %v", err), http.StatusInternalServerError)
		return
	}
	if m == nil {
		http.Error(w, "no runs recorded yet", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(m)
}
