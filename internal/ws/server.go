package ws

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/phaseboard/notify/internal/config"
	"github.com/phaseboard/notify/internal/event"
	"github.com/phaseboard/notify/internal/wire"
)

// Server accepts socket upgrades, authenticates them, and wires each
// connection into a Session fed by the event bus.
type Server struct {
	cfg      *config.Config
	bus      *event.Bus
	registry *Registry

	allowedOrigins map[string]bool
	allowedHosts   map[string]bool

	startedAt time.Time
	proc      *process.Process
}

func NewServer(cfg *config.Config, bus *event.Bus, registry *Registry) *Server {
	s := &Server{
		cfg:            cfg,
		bus:            bus,
		registry:       registry,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		startedAt:      time.Now(),
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = proc
	}

	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc(s.cfg.Server.Path, s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}

	// Authentication happens post-upgrade so the rejection arrives as a
	// protocol error with a policy-violation close code, not a plain 401.
	if !s.authorize(r) {
		log.Printf("ws auth failure from %s", r.RemoteAddr)
		data, _ := json.Marshal(wire.ErrorMessage{Type: wire.MsgError, Message: "Authentication failed"})
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		conn.WriteMessage(websocket.TextMessage, data)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed"),
			time.Now().Add(writeTimeout))
		conn.Close()
		return
	}

	sess := newSession(uuid.NewString(), conn, s.bus, s.registry,
		s.cfg.Protocol.MaxReplayBufferSize, s.cfg.Protocol.MaxErrorCount)

	if err := s.registry.Add(sess); err != nil {
		log.Printf("ws connection rejected: %v", err)
		sess.forceClose(websocket.CloseTryAgainLater, err.Error())
		sess.teardown()
		return
	}

	log.Printf("session %s: connected from %s", sess.ID, r.RemoteAddr)
	sess.sendJSON(wire.ConnectedMessage{Type: wire.MsgConnected, SessionID: sess.ID})

	go s.readLoop(sess)
}

// readLoop reads and dispatches frames for one session until the socket
// drops, then runs teardown via the registry.
func (s *Server) readLoop(sess *Session) {
	conn := sess.conn
	conn.SetPongHandler(func(string) error {
		sess.markPongReceived()
		return nil
	})

	defer func() {
		s.registry.Remove(sess)
		log.Printf("session %s: disconnected", sess.ID)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sess.handleMessage(data)
	}
}

func (s *Server) authorize(r *http.Request) bool {
	key := s.cfg.Server.APIKey
	if key == "" {
		return true
	}

	if r.URL.Query().Get("token") == key {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == key {
		return true
	}

	return r.Header.Get("X-API-Key") == key
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}

type healthResponse struct {
	Status        string  `json:"status"`
	Connections   int     `json:"connections"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
	RSSBytes      uint64  `json:"rssBytes,omitempty"`
	CPUPercent    float64 `json:"cpuPercent,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := healthResponse{
		Status:        "ok",
		Connections:   s.registry.Count(),
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
	}
	if s.proc != nil {
		if mem, err := s.proc.MemoryInfo(); err == nil {
			resp.RSSBytes = mem.RSS
		}
		if cpu, err := s.proc.CPUPercent(); err == nil {
			resp.CPUPercent = cpu
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// Shutdown closes all live sessions with a going-away code and stops the
// keepalive sweep.
func (s *Server) Shutdown() {
	s.registry.Shutdown()
}

func ListenAndServe(host string, port int, mux *http.ServeMux) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	log.Printf("Server listening on %s", addr)
	return http.ListenAndServe(addr, mux)
}
