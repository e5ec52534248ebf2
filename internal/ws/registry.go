package ws

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrTooManyConnections is returned when the configured connection limit is
// reached.
var ErrTooManyConnections = errors.New("too many connections")

// Registry tracks all live sessions and drives the periodic keepalive sweep.
// One registry is owned by one server instance; nothing here is global, so
// multiple servers can coexist in tests.
type Registry struct {
	pingInterval   time.Duration
	pongTimeout    time.Duration
	maxConnections int // 0 = unlimited

	mu       sync.RWMutex
	sessions map[*Session]bool

	ticker *time.Ticker
	done   chan struct{}
	stop   sync.Once
}

func NewRegistry(pingInterval, pongTimeout time.Duration, maxConnections int) *Registry {
	// Zero intervals come from zeroed config; NewTicker would panic.
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	if pongTimeout <= 0 {
		pongTimeout = 60 * time.Second
	}
	r := &Registry{
		pingInterval:   pingInterval,
		pongTimeout:    pongTimeout,
		maxConnections: maxConnections,
		sessions:       make(map[*Session]bool),
		ticker:         time.NewTicker(pingInterval),
		done:           make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// Add registers a live session. It fails when the connection limit is
// reached, before the session is wired to anything.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxConnections > 0 && len(r.sessions) >= r.maxConnections {
		return ErrTooManyConnections
	}
	r.sessions[s] = true
	return nil
}

// Remove drops a session from the registry and tears it down. Idempotent:
// removing an already-removed session is a no-op.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	_, ok := r.sessions[s]
	if ok {
		delete(r.sessions, s)
	}
	r.mu.Unlock()

	if ok {
		s.teardown()
	}
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) sweepLoop() {
	for {
		select {
		case <-r.ticker.C:
			r.sweep(time.Now())
		case <-r.done:
			return
		}
	}
}

// sweep terminates sessions whose last pong is older than the pong timeout
// and pings the rest. Sessions are copied out first so no registry lock is
// held across socket writes.
func (r *Registry) sweep(now time.Time) {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		if s.lastPongAge(now) > r.pongTimeout {
			log.Printf("session %s: keepalive timeout, terminating", s.ID)
			s.terminate()
			r.Remove(s)
			continue
		}
		if err := s.ping(); err != nil {
			log.Printf("session %s: ping failed: %v", s.ID, err)
		}
	}
}

// Shutdown closes every live session with a going-away close code and stops
// the sweep. Safe to call more than once.
func (r *Registry) Shutdown() {
	r.stop.Do(func() {
		r.ticker.Stop()
		close(r.done)
	})

	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[*Session]bool)
	r.mu.Unlock()

	for _, s := range sessions {
		s.forceClose(websocket.CloseGoingAway, "server shutting down")
		s.teardown()
	}
}
