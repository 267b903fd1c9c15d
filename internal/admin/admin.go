// Package admin serves the optional introspection HTTP server: a JSON
// status/version endpoint, recent diagnostics over REST, and a
// WebSocket feed that streams diagnostics.Record values to connected
// clients as they are published. It binds to config.AdminConfig's
// address/port and is only started when AdminConfig.Enabled is true.
//
// The WebSocket hub uses a single-goroutine-owns-the-map broadcast
// pattern: one goroutine owns the connection set, mutated only via
// register/unregister/broadcast channels, so no lock is needed around
// the map itself.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/bytecodealliance/starling-go/internal/buildinfo"
	"github.com/bytecodealliance/starling-go/internal/config"
	"github.com/bytecodealliance/starling-go/internal/diagnostics"
)

// Server serves the admin introspection HTTP API and WebSocket feed.
type Server struct {
	cfg    config.AdminConfig
	bus    *diagnostics.Bus
	store  *diagnostics.Store
	logger *slog.Logger
	hub    *hub

	httpServer *http.Server
}

// New constructs an admin Server. store may be nil, in which case
// /diagnostics/recent reports an empty list.
func New(cfg config.AdminConfig, bus *diagnostics.Bus, store *diagnostics.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		bus:    bus,
		store:  store,
		logger: logger,
		hub:    newHub(),
	}
}

// Handler builds the admin HTTP mux. Exposed separately from ListenAndServe
// so callers can mount it under an existing mux instead.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/version", s.handleVersion)
	mux.HandleFunc("/diagnostics/recent", s.handleRecent)
	mux.HandleFunc("/diagnostics/ws", s.handleWebSocket)
	return mux
}

// ListenAndServe starts the hub's broadcast goroutine, subscribes it to
// bus, and serves the admin HTTP API until the process exits or Close
// is called. It blocks; callers typically run it in a goroutine.
func (s *Server) ListenAndServe() error {
	if !s.cfg.Enabled {
		return nil
	}

	go s.hub.run()

	stop := make(chan struct{})
	defer close(stop)
	go s.pumpDiagnostics(stop)

	addr := s.cfg.Address + ":" + strconv.Itoa(s.cfg.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: s.Handler()}
	s.logger.Info("admin server listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Close shuts down the admin HTTP server, if running.
func (s *Server) Close() error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Close()
}

// pumpDiagnostics subscribes to bus and forwards every record to the
// hub for broadcast, until stop is closed.
func (s *Server) pumpDiagnostics(stop <-chan struct{}) {
	if s.bus == nil {
		return
	}
	ch := s.bus.Subscribe(256)
	defer s.bus.Unsubscribe(ch)
	for {
		select {
		case r, ok := <-ch:
			if !ok {
				return
			}
			encoded, err := json.Marshal(r)
			if err != nil {
				s.logger.Error("failed to marshal diagnostic record", "error", err)
				continue
			}
			s.hub.broadcast(encoded)
		case <-stop:
			return
		}
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"uptime": buildinfo.Uptime().String(),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(buildinfo.RuntimeInfo())
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.store == nil {
		json.NewEncoder(w).Encode([]diagnostics.Record{})
		return
	}
	records, err := s.store.Recent(200)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(records)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("admin websocket upgrade failed", "error", err)
		return
	}

	client := &wsConn{conn: conn, send: make(chan []byte, 64)}
	s.hub.registerCh <- client

	go client.writePump()
	go client.readPump(s.hub)
}

// hub owns the set of connected admin WebSocket clients. All mutations
// to connections happen on the run goroutine via the register/
// unregister/broadcast channels, so no mutex guards the map itself.
type hub struct {
	connections map[*wsConn]bool

	broadcastCh  chan []byte
	registerCh   chan *wsConn
	unregisterCh chan *wsConn
}

func newHub() *hub {
	return &hub{
		connections:  make(map[*wsConn]bool),
		broadcastCh:  make(chan []byte, 256),
		registerCh:   make(chan *wsConn),
		unregisterCh: make(chan *wsConn),
	}
}

func (h *hub) run() {
	for {
		select {
		case conn := <-h.registerCh:
			h.connections[conn] = true

		case conn := <-h.unregisterCh:
			if _, ok := h.connections[conn]; ok {
				delete(h.connections, conn)
				close(conn.send)
			}

		case msg := <-h.broadcastCh:
			for conn := range h.connections {
				select {
				case conn.send <- msg:
				default:
					delete(h.connections, conn)
					close(conn.send)
				}
			}
		}
	}
}

// broadcast is non-blocking: a full hub channel drops the message
// rather than stalling the diagnostics pump.
func (h *hub) broadcast(msg []byte) {
	select {
	case h.broadcastCh <- msg:
	default:
	}
}

type wsConn struct {
	conn *websocket.Conn
	send chan []byte
	mu   sync.Mutex
}

func (c *wsConn) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.mu.Lock()
		err := c.conn.WriteMessage(websocket.TextMessage, msg)
		c.mu.Unlock()
		if err != nil {
			return
		}
	}
}

func (c *wsConn) readPump(h *hub) {
	defer func() {
		h.unregisterCh <- c
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
