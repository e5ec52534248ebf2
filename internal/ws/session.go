package ws

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/phaseboard/notify/internal/event"
	"github.com/phaseboard/notify/internal/wire"
)

const (
	writeTimeout  = 10 * time.Second
	sendQueueSize = 64
)

// bufferedEvent is one replay buffer entry. Sequences in the buffer are
// strictly increasing and contiguous; only FIFO eviction removes entries.
type bufferedEvent struct {
	event      event.StateChangeEvent
	sequence   uint64
	bufferedAt time.Time
}

// Session is one authenticated socket. It owns the per-connection sequence
// counter, the bounded replay buffer, and the bus subscription scoped to the
// client's project filter.
//
// Mutable state is guarded by mu: message handlers run on the connection's
// read goroutine while forward runs on whatever goroutine emits into the bus.
type Session struct {
	ID string

	conn     *websocket.Conn
	bus      *event.Bus
	registry *Registry

	maxReplayBufferSize int
	maxErrorCount       int

	send   chan []byte
	done   chan struct{}
	closed atomic.Bool

	mu               sync.Mutex
	projects         map[int]struct{} // empty = all projects
	busSubID         int64            // 0 = no active bus subscription
	nextSequence     uint64           // next sequence to assign, starts at 1
	lastAcknowledged uint64
	replay           []bufferedEvent
	errorCount       int
	needsFullRefresh bool
	lastPingAck      time.Time
}

func newSession(id string, conn *websocket.Conn, bus *event.Bus, registry *Registry, maxReplayBufferSize, maxErrorCount int) *Session {
	s := &Session{
		ID:                  id,
		conn:                conn,
		bus:                 bus,
		registry:            registry,
		maxReplayBufferSize: maxReplayBufferSize,
		maxErrorCount:       maxErrorCount,
		send:                make(chan []byte, sendQueueSize),
		done:                make(chan struct{}),
		nextSequence:        1,
		lastPingAck:         time.Now(),
	}
	go s.writePump()
	return s
}

// writePump drains the send queue onto the socket. It exits when the session
// is torn down or a write fails, closing the connection either way.
func (s *Session) writePump() {
	defer s.conn.Close()
	for {
		select {
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// trySend queues a frame without blocking. A full queue means the peer's
// buffer is saturated; the caller decides what that implies.
func (s *Session) trySend(data []byte) bool {
	if s.closed.Load() {
		return false
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

func (s *Session) sendJSON(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("session %s: marshal error: %v", s.ID, err)
		return false
	}
	return s.trySend(data)
}

// sendError reports a genuine protocol error to the client.
func (s *Session) sendError(msg string) {
	s.sendJSON(wire.ErrorMessage{Type: wire.MsgError, Message: msg})
}

// sendNotice sends an informational notice. It rides the error message type
// for wire compatibility, but is not counted or logged as a failure.
func (s *Session) sendNotice(msg string) {
	s.sendJSON(wire.ErrorMessage{Type: wire.MsgError, Message: msg})
}

// handleMessage parses and dispatches one inbound text frame.
func (s *Session) handleMessage(data []byte) {
	var msg wire.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.protocolError(fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	switch msg.Type {
	case wire.MsgSubscribe:
		s.handleSubscribe(msg.ProjectNumbers)
	case wire.MsgAck:
		s.handleAck(msg.Sequence)
	case wire.MsgReplay:
		s.handleReplay(msg.SinceSequence)
	default:
		s.protocolError(fmt.Sprintf("Unknown message type: %s", msg.Type))
	}
}

// handleSubscribe replaces the session's bus subscription with one scoped to
// the given project numbers. At most one subscription is live per session.
func (s *Session) handleSubscribe(projects []int) {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return
	}

	if s.busSubID != 0 {
		s.bus.Unsubscribe(s.busSubID)
		s.busSubID = 0
	}

	if len(projects) > 0 {
		s.projects = make(map[int]struct{}, len(projects))
		for _, p := range projects {
			s.projects[p] = struct{}{}
		}
	} else {
		s.projects = nil
	}

	s.busSubID = s.bus.Subscribe(s.forward, projects)
	s.mu.Unlock()

	s.sendNotice("Subscribed to projects: " + describeFilter(projects))
	log.Printf("session %s: subscribed to projects: %s", s.ID, describeFilter(projects))
}

func describeFilter(projects []int) string {
	if len(projects) == 0 {
		return "all"
	}
	sorted := append([]int(nil), projects...)
	sort.Ints(sorted)
	parts := make([]string, len(sorted))
	for i, p := range sorted {
		parts[i] = fmt.Sprintf("%d", p)
	}
	return strings.Join(parts, ",")
}

// handleAck records the highest sequence the client confirmed. Once the
// client has caught up to everything assigned, a pending full-refresh flag
// is cleared.
func (s *Session) handleAck(sequence uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastAcknowledged = sequence
	if s.needsFullRefresh && sequence >= s.nextSequence-1 {
		s.needsFullRefresh = false
	}
}

// handleReplay answers with the buffered events newer than sinceSequence.
// If the requested history has already been evicted, the client gets an
// explicit full-refresh error instead of a silently truncated list.
func (s *Session) handleReplay(sinceSequence uint64) {
	s.mu.Lock()

	if len(s.replay) > 0 {
		oldest := s.replay[0].sequence
		if sinceSequence+1 < oldest {
			s.needsFullRefresh = true
			s.mu.Unlock()
			s.sendError(fmt.Sprintf("Events since sequence %d are no longer buffered; full refresh required", sinceSequence))
			return
		}
	}

	events := make([]wire.SequencedEvent, 0)
	for _, be := range s.replay {
		if be.sequence > sinceSequence {
			events = append(events, wire.SequencedEvent{Event: be.event, Sequence: be.sequence})
		}
	}
	s.mu.Unlock()

	s.sendJSON(wire.ReplayMessage{Type: wire.MsgReplay, Events: events})
}

// forward is the bus subscription handler: it sequences, buffers, and sends
// one matching event. It runs synchronously inside Bus.Emit, so everything
// here is non-blocking. A send failure flips needsFullRefresh rather than
// stalling the emitter.
func (s *Session) forward(ev event.StateChangeEvent) {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return
	}

	if len(s.projects) > 0 {
		if _, ok := s.projects[ev.ProjectNumber]; !ok {
			s.mu.Unlock()
			return
		}
	}

	seq := s.nextSequence
	s.nextSequence++

	s.replay = append(s.replay, bufferedEvent{event: ev, sequence: seq, bufferedAt: time.Now()})
	if len(s.replay) > s.maxReplayBufferSize {
		dropped := s.replay[0].sequence
		s.replay = append(s.replay[:0:0], s.replay[1:]...)
		log.Printf("session %s: replay buffer full, dropped sequence %d", s.ID, dropped)
	}
	s.mu.Unlock()

	data, err := json.Marshal(wire.EventMessage{Type: wire.MsgEvent, Event: ev, Sequence: seq})
	if err != nil {
		log.Printf("session %s: marshal event: %v", s.ID, err)
		return
	}

	if !s.trySend(data) {
		s.mu.Lock()
		s.needsFullRefresh = true
		s.mu.Unlock()
		log.Printf("session %s: send queue full, sequence %d not delivered live", s.ID, seq)
	}
}

// protocolError reports the error to the client and counts it against the
// session's budget. Exhausting the budget force-closes the connection.
func (s *Session) protocolError(msg string) {
	s.mu.Lock()
	s.errorCount++
	count := s.errorCount
	s.mu.Unlock()

	log.Printf("session %s: protocol error (%d/%d): %s", s.ID, count, s.maxErrorCount, msg)
	s.sendError(msg)

	if count >= s.maxErrorCount {
		log.Printf("session %s: error budget exceeded, closing", s.ID)
		s.forceClose(websocket.ClosePolicyViolation, "error budget exceeded")
		s.registry.Remove(s)
	}
}

// forceClose sends a close frame with the given code and drops the socket.
// WriteControl is safe to call concurrently with the write pump.
func (s *Session) forceClose(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
	s.conn.Close()
}

// terminate drops the socket without a close handshake. Used when the peer
// has stopped answering pings and a graceful close would just block.
func (s *Session) terminate() {
	s.conn.Close()
}

// ping sends a ping control frame directly; pings bypass the send queue so a
// saturated queue cannot mask a dead peer.
func (s *Session) ping() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

func (s *Session) markPongReceived() {
	s.mu.Lock()
	s.lastPingAck = time.Now()
	s.mu.Unlock()
}

func (s *Session) lastPongAge(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastPingAck)
}

// teardown releases the bus subscription and stops the write pump. It is
// idempotent; the registry calls it exactly once per removal, but direct
// calls during shutdown are also safe.
func (s *Session) teardown() {
	if s.closed.Swap(true) {
		return
	}

	s.mu.Lock()
	if s.busSubID != 0 {
		s.bus.Unsubscribe(s.busSubID)
		s.busSubID = 0
	}
	s.mu.Unlock()

	close(s.done)
}

// LastAcknowledged returns the last sequence the client confirmed.
func (s *Session) LastAcknowledged() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAcknowledged
}

// NeedsFullRefresh reports whether contiguous delivery can no longer be
// guaranteed for this session.
func (s *Session) NeedsFullRefresh() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.needsFullRefresh
}
