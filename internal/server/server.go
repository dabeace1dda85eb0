// Package server implements the conversation synchronization server: it
// upgrades HTTP connections to WebSocket, authenticates them, tracks
// per-conversation rooms, fans out message and typing frames, and serves
// history backfill on join. It is a conformance counterpart for the client
// engine, not a full production broker.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/converge/chatsync/internal/metrics"
)

// Config holds tunable parameters for the WebSocket server.
type Config struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	MaxConnections int           // hard cap on total connections
	QueueSize      int           // per-connection outbound queue length
	WriteTimeout   time.Duration // per-frame write deadline; zero disables
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     ":8080",
		MaxConnections: 10000,
		QueueSize:      64,
		WriteTimeout:   10 * time.Second,
	}
}

// Server accepts WebSocket connections and dispatches their frames. One
// reader and one writer goroutine run per connection; all shared state is
// behind the Rooms registry and the connection map.
type Server struct {
	config     Config
	dispatcher *Dispatcher
	rooms      *Rooms
	httpServer *http.Server

	mu    sync.Mutex
	conns map[string]*Connection

	done     chan struct{}
	doneOnce sync.Once

	onConnect    func(r *http.Request) bool
	onDisconnect func(conn *Connection)
	onRoomEmpty  func(conversationID string)
}

// New creates a Server with the given configuration.
func New(config Config) *Server {
	return &Server{
		config:     config,
		dispatcher: NewDispatcher(),
		rooms:      NewRooms(),
		conns:      make(map[string]*Connection),
		done:       make(chan struct{}),
	}
}

// Dispatcher returns the server's dispatcher for handler registration.
func (s *Server) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// Rooms returns the room registry.
func (s *Server) Rooms() *Rooms {
	return s.rooms
}

// OnConnect sets a gate consulted before each WebSocket upgrade. Returning
// false rejects the connection with 429.
func (s *Server) OnConnect(fn func(r *http.Request) bool) {
	s.onConnect = fn
}

// OnDisconnect sets a callback invoked after a connection is removed, with
// its session state still readable.
func (s *Server) OnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// OnRoomEmpty sets a callback invoked when a disconnect leaves a
// conversation with no local members, so cross-instance subscriptions can
// be torn down.
func (s *Server) OnRoomEmpty(fn func(conversationID string)) {
	s.onRoomEmpty = fn
}

// Handler returns the HTTP handler serving /ws, /health, and /metrics.
// Exposed so tests can mount it on an httptest server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start begins accepting WebSocket connections and blocks until the HTTP
// server stops.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: s.Handler(),
	}

	log.Printf("server: listening on %s (max_conns=%d)", s.config.ListenAddr, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: http server error: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP server, the heartbeat, and all connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.doneOnce.Do(func() { close(s.done) })

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	return err
}

// ConnectionCount returns the current number of active connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection and
// starts the per-connection reader and writer goroutines.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.ConnectionCount() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	if s.onConnect != nil && !s.onConnect(r) {
		http.Error(w, "connection rate limited", http.StatusTooManyRequests)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("server: upgrade failed: %v", err)
		return
	}

	c := newConnection(uuid.New().String(), conn, s.config.QueueSize, s.config.WriteTimeout)

	s.mu.Lock()
	s.conns[c.ID] = c
	s.mu.Unlock()
	metrics.ConnectionsActive.Inc()

	go c.writeLoop()
	go s.readLoop(c)
}

// readLoop reads frames in strict arrival order and dispatches each one.
// The loop exits on the first read error, which removes the connection.
func (s *Server) readLoop(c *Connection) {
	defer s.remove(c)
	for {
		data, err := wsutil.ReadClientText(c.conn)
		if err != nil {
			return
		}
		c.Touch()
		start := time.Now()
		s.dispatcher.Dispatch(c, data)
		metrics.FrameHandleSeconds.Observe(time.Since(start).Seconds())
	}
}

// remove tears down a connection: room membership, the connection map, and
// the disconnect callback. When the departing connection was the last local
// member of its conversation, the room-empty callback fires so the
// cross-instance subscription is released on this path too, not just on
// explicit leaves.
func (s *Server) remove(c *Connection) {
	c.Close()

	s.mu.Lock()
	_, ok := s.conns[c.ID]
	delete(s.conns, c.ID)
	s.mu.Unlock()
	if !ok {
		return
	}
	metrics.ConnectionsActive.Dec()

	if conv := c.Conversation(); conv != "" {
		if empty := s.rooms.Leave(conv, c); empty && s.onRoomEmpty != nil {
			s.onRoomEmpty(conv)
		}
	}
	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}
}

// connections returns a snapshot of the active connection set.
func (s *Server) connections() []*Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

// handleHealth reports liveness plus a few counters.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","connections":%d,"rooms":%d}`, s.ConnectionCount(), s.rooms.Count())
}
