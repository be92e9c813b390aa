// Package gateway exposes the human-facing surface: a WebSocket /events
// fan-out of the broadcast bus and JSON status endpoints over connections
// and reconciliation plans.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/relaygate/internal/bus"
	"github.com/nextlevelbuilder/relaygate/internal/channels"
	"github.com/nextlevelbuilder/relaygate/internal/config"
	"github.com/nextlevelbuilder/relaygate/pkg/protocol"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second

	// clientBuffer is the per-client event queue. Slow consumers are
	// dropped rather than back-pressuring the broadcast path.
	clientBuffer = 64
)

// Server is the events/status HTTP server.
type Server struct {
	cfg      config.ServerConfig
	events   bus.EventPublisher
	manager  *channels.Manager
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client

	httpServer *http.Server
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan bus.Event
}

// NewServer creates the gateway server over the shared event bus.
func NewServer(cfg config.ServerConfig, events bus.EventPublisher, manager *channels.Manager) *Server {
	s := &Server{
		cfg:     cfg,
		events:  events,
		manager: manager,
		clients: make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Observers are operator tools, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	return s
}

// Start begins serving. Non-blocking; use Shutdown to stop.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/status/connections", s.withAuth(s.handleConnections))
	mux.HandleFunc("/status/plan", s.withAuth(s.handlePlan))
	mux.HandleFunc("/channels/restart", s.withAuth(s.handleRestart))
	mux.HandleFunc("/healthz", s.handleHealthz)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	s.events.Subscribe("gateway-fanout", s.fanout)

	s.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("gateway server failed", "error", err)
		}
	}()

	slog.Info("gateway listening", "addr", addr)
	return nil
}

// Shutdown stops the server and closes all observer connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.events.Unsubscribe("gateway-fanout")
	s.events.Broadcast(bus.Event{Type: protocol.EventShutdown})

	s.mu.Lock()
	for _, c := range s.clients {
		close(c.send)
	}
	s.clients = make(map[string]*client)
	s.mu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// fanout queues the event for every connected observer. Full queues drop the
// event for that client: delivery is best-effort by contract.
func (s *Server) fanout(event bus.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		select {
		case c.send <- event:
		default:
			slog.Debug("dropping event for slow observer", "client_id", c.id, "event", event.Type)
		}
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan bus.Event, clientBuffer),
	}
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	slog.Info("observer connected", "client_id", c.id, "remote", r.RemoteAddr)

	go s.writeLoop(c)
	s.readLoop(c)
}

// readLoop discards inbound frames; observers are read-only. Returning
// removes the client.
func (s *Server) readLoop(c *client) {
	defer s.drop(c)
	c.conn.SetReadLimit(4096)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writeLoop(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case event, ok := <-c.send:
			if !ok {
				c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (s *Server) drop(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c.id]; ok {
		delete(s.clients, c.id)
		close(c.send)
	}
	s.mu.Unlock()
	c.conn.Close()
	slog.Info("observer disconnected", "client_id", c.id)
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"connections": s.manager.Snapshot()})
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	plan, err := s.manager.PlanOnly(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, plan)
}

// handleRestart is the operator path out of circuit_open: reload the config
// and rebuild the connection.
func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}
	if err := s.manager.RestartConnection(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	slog.Info("connection restarted via api", "config_id", id)
	writeJSON(w, map[string]string{"status": "restarted", "config_id": id})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// authorized checks the bearer token when one is configured. No token
// configured means open access (local/dev deployments).
func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	got := r.Header.Get("Authorization")
	want := "Bearer " + s.cfg.Token
	if got == "" {
		got = r.URL.Query().Get("token")
		want = s.cfg.Token
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write status response failed", "error", err)
	}
}
