// Package monitor provides a real-time WebSocket feed of sync activity.
//
// The monitor broadcasts sync cycle lifecycle events (state changes,
// cycle summaries, per-op rejections) to connected clients, which is
// how dev tooling watches a device reconcile without attaching a
// debugger.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/clinsync/clinsync/internal/syncer"
)

// EventType defines the type of monitor message.
type EventType string

const (
	// EventStateChange reports a sync engine state transition.
	EventStateChange EventType = "state_change"

	// EventCycleResult reports a completed (or failed) sync cycle.
	EventCycleResult EventType = "cycle_result"
)

// Event is a monitor broadcast message.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// StateChangeData carries an engine state transition.
type StateChangeData struct {
	State string `json:"state"`
}

// CycleResultData summarizes one sync cycle for the feed.
type CycleResultData struct {
	Pushed           int      `json:"pushed"`
	Pulled           int      `json:"pulled"`
	ConflictsDropped int      `json:"conflicts_dropped"`
	Rejected         []string `json:"rejected,omitempty"`
	Error            string   `json:"error,omitempty"`
}

// Server manages WebSocket connections and broadcasts sync events.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// Config holds monitor configuration.
type Config struct {
	// Port to listen on (default: 8585).
	Port int

	// Logger for monitor activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:   8585,
		Logger: log.New(os.Stderr, "[monitor] ", log.LstdFlags),
	}
}

// NewServer creates a monitor WebSocket server.
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[monitor] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      fmt.Sprintf(":%d", config.Port),
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Event, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// Hooks returns syncer hooks that feed this monitor. Attach them with
// engine.SetHooks before starting cycles.
func (s *Server) Hooks() syncer.Hooks {
	return syncer.Hooks{
		OnStateChange: func(state syncer.State) {
			data, _ := json.Marshal(StateChangeData{State: state.String()})
			s.Broadcast(Event{Type: EventStateChange, Data: data})
		},
		OnResult: func(result *syncer.CycleResult) {
			payload := CycleResultData{
				Pushed:           result.Pushed,
				Pulled:           result.Pulled,
				ConflictsDropped: result.ConflictsDropped,
			}
			for _, r := range result.Rejected {
				payload.Rejected = append(payload.Rejected, r.Error())
			}
			if result.Err != nil {
				payload.Error = result.Err.Error()
			}
			data, _ := json.Marshal(payload)
			s.Broadcast(Event{Type: EventCycleResult, Data: data})
		},
	}
}

// Start begins the HTTP server and WebSocket handler.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

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
		s.logger.Printf("Monitor listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the monitor.
func (s *Server) Stop() error {
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
	return nil
}

// Addr returns the monitor's listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Broadcast sends an event to all connected clients. Non-blocking: the
// event is dropped when the channel is full.
func (s *Server) Broadcast(event Event) {
	select {
	case s.broadcast <- event:
	case <-s.ctx.Done():
	default:
		s.logger.Println("Warning: broadcast channel full, dropping event")
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case event := <-s.broadcast:
			if event.Timestamp.IsZero() {
				event.Timestamp = time.Now()
			}

			data, err := json.Marshal(event)
			if err != nil {
				s.logger.Printf("Failed to marshal event: %v", err)
				continue
			}

			s.clientsMu.RLock()
			conns := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				conns = append(conns, conn)
			}
			s.clientsMu.RUnlock()

			// Write outside the lock so a slow client never blocks broadcasts.
			for _, conn := range conns {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.removeClient(conn)
				}
			}
		}
	}
}

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
	count := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Client connected (total: %d)", count)

	go s.readLoop(conn)
}

// readLoop keeps the connection alive and notices client disconnects.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		_, _, err := conn.Read(s.ctx)
		if err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		count := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Client disconnected (total: %d)", count)
	} else {
		s.clientsMu.Unlock()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}
