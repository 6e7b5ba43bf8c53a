package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/clinsync/clinsync/internal/model"
)

// Server exposes the sync protocol over HTTP.
type Server struct {
	addr     string
	db       *DB
	listener net.Listener
	server   *http.Server
	logger   *log.Logger
}

// Config holds server configuration.
type Config struct {
	// Port to listen on (default: 8484).
	Port int

	// Logger for server activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:   8484,
		Logger: log.New(log.Writer(), "[server] ", log.LstdFlags),
	}
}

// NewServer creates a sync server over the given database.
func NewServer(db *DB, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(log.Writer(), "[server] ", log.LstdFlags)
	}

	return &Server{
		addr:   fmt.Sprintf(":%d", config.Port),
		db:     db,
		logger: config.Logger,
	}
}

// Handler returns the HTTP handler, for mounting in tests via httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sync/pull", s.withOwner(s.handlePull))
	mux.HandleFunc("/sync/push", s.withOwner(s.handlePush))
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start begins serving. Non-blocking; call Stop to shut down.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Printf("Sync server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	if err := s.server.Close(); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// withOwner authenticates the bearer token and passes the owner through.
// Missing or unknown credentials get a 401, which the client maps to
// AuthError and pauses on.
func (s *Server) withOwner(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}

		owner, err := s.db.OwnerForToken(r.Context(), token)
		if err != nil {
			s.logger.Printf("Token lookup failed: %v", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if owner == "" {
			http.Error(w, "unknown token", http.StatusUnauthorized)
			return
		}

		next(w, r, owner)
	}
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request, ownerID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	since := parseWatermark(r)
	resp, err := s.db.Changes(r.Context(), ownerID, since)
	if err != nil {
		s.logger.Printf("Pull failed for %s: %v", ownerID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, resp)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request, ownerID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req model.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed push body", http.StatusBadRequest)
		return
	}

	resp, err := s.db.ApplyPush(r.Context(), ownerID, req.Changes)
	if err != nil {
		s.logger.Printf("Push failed for %s: %v", ownerID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.logger.Printf("Push from %s: %d assigned, %d rejected",
		ownerID, len(resp.IDMap), len(resp.Rejected))
	writeJSON(w, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func parseWatermark(r *http.Request) int64 {
	raw := r.URL.Query().Get("last_pulled_at")
	if raw == "" {
		return 0
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms < 0 {
		return 0
	}
	return ms
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
