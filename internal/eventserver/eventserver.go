// Package eventserver exposes a local WebSocket + HTTP surface broadcasting
// supervisor/orchestrator lifecycle events and serving session status.
package eventserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/channinghe/cftunnel/dashboard"
	"github.com/channinghe/cftunnel/internal/history"
)

// Event is one JSON frame broadcast to every attached WebSocket client.
type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// connection is one attached WebSocket client with its own writer goroutine.
type connection struct {
	conn *websocket.Conn
	send chan Event
	done chan struct{}
}

// Server is the local event/status HTTP server.
type Server struct {
	store *history.Store

	mu          sync.RWMutex
	connections map[*connection]struct{}
	broadcast   chan Event

	upgrader websocket.Upgrader
}

// New returns a Server backed by store, used to answer /api/status and
// /api/sessions requests.
func New(store *history.Store) *Server {
	return &Server{
		store:       store,
		connections: make(map[*connection]struct{}),
		broadcast:   make(chan Event, 64),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Publish pushes an event onto the broadcast channel; callers (the
// supervisor/orchestrator) never block on slow clients.
func (s *Server) Publish(ev Event) {
	ev.Timestamp = time.Now()
	select {
	case s.broadcast <- ev:
	default:
		log.Warn().Str("type", ev.Type).Msg("event server broadcast channel full, dropping event")
	}
}

// Run starts the HTTP server and the broadcast fan-out loop, blocking until
// ctx is cancelled.
func (s *Server) Run(ctx context.Context, listen string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/status/", s.handleStatus)
	mux.Handle("/", http.FileServer(http.FS(dashboard.FS)))

	server := &http.Server{Addr: listen, Handler: mux}

	go s.fanOut(ctx)

	go func() {
		log.Info().Str("address", listen).Msg("starting event server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("event server error")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.mu.Lock()
	for c := range s.connections {
		close(c.done)
		c.conn.Close()
	}
	s.mu.Unlock()

	return server.Shutdown(shutdownCtx)
}

// fanOut reads from the single broadcast channel and forwards each event to
// every attached connection's own send channel.
func (s *Server) fanOut(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.broadcast:
			s.mu.RLock()
			for c := range s.connections {
				select {
				case c.send <- ev:
				default:
					log.Warn().Msg("dropping event for slow websocket client")
				}
			}
			s.mu.RUnlock()
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &connection{conn: conn, send: make(chan Event, 16), done: make(chan struct{})}
	s.mu.Lock()
	s.connections[c] = struct{}{}
	s.mu.Unlock()

	go s.writeLoop(c)
	go s.readLoop(c)
}

// writeLoop is the per-connection writer goroutine; each connection gets its
// own send channel so one slow client can't block the others.
func (s *Server) writeLoop(c *connection) {
	defer func() {
		s.mu.Lock()
		delete(s.connections, c)
		s.mu.Unlock()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case ev := <-c.send:
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

// readLoop drains and discards client frames solely to detect disconnects;
// this surface is publish-only from the server's side.
func (s *Server) readLoop(c *connection) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			close(c.done)
			return
		}
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	sessions, err := s.store.List(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, sessions)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	handle := r.URL.Path[len("/api/status/"):]
	if handle == "" {
		http.Error(w, "missing session handle", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	rec, err := s.store.Get(ctx, handle)
	if err == history.ErrNotFound {
		http.Error(w, fmt.Sprintf("session %q not found", handle), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, rec)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed encoding json response")
	}
}
