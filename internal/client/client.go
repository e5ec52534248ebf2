// Package client implements the reconnecting notification client: it
// maintains one connection to a notification server, deduplicates and
// acknowledges inbound events, detects sequence gaps, and dispatches events
// to registered handlers in batches.
package client

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/phaseboard/notify/internal/event"
	"github.com/phaseboard/notify/internal/wire"
)

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
	writeTimeout       = 10 * time.Second
	pongTimeout        = 60 * time.Second
	pingInterval       = 30 * time.Second

	defaultBatchWindow = 500 * time.Millisecond

	maxProcessedSequences = 1000
	processedEvictBatch   = 100
)

// KindAny registers a handler for every event kind.
const KindAny = event.Kind("*")

// Handler consumes one dispatched event.
type Handler func(event.StateChangeEvent)

// Options configures a Client.
type Options struct {
	URL      string
	Token    string
	Projects []int // subscription filter; empty = all projects

	// BatchWindow is how long dispatch waits to coalesce events.
	// Zero means the 500ms default.
	BatchWindow time.Duration

	// OnConnect and OnDisconnect observe connection state changes.
	OnConnect    func()
	OnDisconnect func(error)
}

// Stats are cumulative counters, mostly for display and tests.
type Stats struct {
	EventsReceived uint64
	Duplicates     uint64
	Gaps           uint64
}

// Client is the notification client. All methods are safe for concurrent
// use; Connect and Disconnect never block on network I/O.
type Client struct {
	opts        Options
	batchWindow time.Duration

	writeMu sync.Mutex // serialises data-frame writes

	mu                sync.Mutex
	conn              *websocket.Conn
	connecting        bool
	closing           bool
	lastReceived      uint64
	processed         map[uint64]struct{}
	processedOrder    []uint64 // insertion order, for FIFO eviction
	reconnectAttempts int
	reconnectTimer    *time.Timer
	batch             []event.StateChangeEvent
	batchTimer        *time.Timer
	batchGen          uint64 // invalidates batch timers that fired late
	handlers          map[event.Kind][]Handler
	pingCancel        context.CancelFunc
	stats             Stats
}

func New(opts Options) *Client {
	window := opts.BatchWindow
	if window <= 0 {
		window = defaultBatchWindow
	}
	return &Client{
		opts:        opts,
		batchWindow: window,
		processed:   make(map[uint64]struct{}),
		handlers:    make(map[event.Kind][]Handler),
	}
}

// On registers a handler for the given event kind.
func (c *Client) On(kind event.Kind, h Handler) {
	c.mu.Lock()
	c.handlers[kind] = append(c.handlers[kind], h)
	c.mu.Unlock()
}

// OnAny registers a wildcard handler invoked for every event kind.
func (c *Client) OnAny(h Handler) {
	c.On(KindAny, h)
}

// Connect starts connecting in the background. Calling it while already
// connecting or connected is a no-op. Calling it after Disconnect starts a
// fresh connection: the preserved lastReceivedSequence still drives the
// replay request on open.
func (c *Client) Connect() {
	c.mu.Lock()
	c.closing = false
	if c.connecting || c.conn != nil {
		c.mu.Unlock()
		return
	}
	c.connecting = true
	c.mu.Unlock()

	go c.dial()
}

// resume is the internal reconnect path. Unlike Connect it backs off if an
// intentional Disconnect happened while the reconnect timer was pending.
func (c *Client) resume() {
	c.mu.Lock()
	if c.closing || c.connecting || c.conn != nil {
		c.mu.Unlock()
		return
	}
	c.connecting = true
	c.mu.Unlock()

	go c.dial()
}

func (c *Client) dial() {
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	conn, _, err := websocket.DefaultDialer.Dial(c.opts.URL, header)
	if err != nil {
		log.Printf("notify client: dial %s: %v", c.opts.URL, err)
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
		c.scheduleReconnect()
		return
	}

	c.mu.Lock()
	if c.closing {
		c.connecting = false
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.connecting = false
	c.reconnectAttempts = 0
	// A new connection means a new server session, which numbers its events
	// from 1 again. The old session's sequences must not shadow them.
	c.processed = make(map[uint64]struct{})
	c.processedOrder = nil
	lastReceived := c.lastReceived
	pingCtx, cancel := context.WithCancel(context.Background())
	c.pingCancel = cancel
	c.mu.Unlock()

	// On a reconnect, first ask for everything missed while offline, then
	// re-establish the subscription filter.
	if lastReceived > 0 {
		c.writeJSON(conn, wire.ClientMessage{Type: wire.MsgReplay, SinceSequence: lastReceived})
	}
	if len(c.opts.Projects) > 0 {
		c.writeJSON(conn, wire.ClientMessage{Type: wire.MsgSubscribe, ProjectNumbers: c.opts.Projects})
	}

	if c.opts.OnConnect != nil {
		c.opts.OnConnect()
	}

	go c.pingLoop(pingCtx, conn)
	go c.readLoop(conn)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})
	conn.SetReadDeadline(time.Now().Add(pongTimeout))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}

		var msg wire.ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("notify client: invalid server message: %v", err)
			continue
		}

		switch msg.Type {
		case wire.MsgConnected:
			log.Printf("notify client: connected, session %s", msg.SessionID)
		case wire.MsgEvent:
			if msg.Event != nil {
				c.processEvent(conn, *msg.Event, msg.Sequence)
			}
		case wire.MsgReplay:
			// Replayed events run through the same path as live ones,
			// in the order the server buffered them.
			for _, se := range msg.Events {
				c.processEvent(conn, se.Event, se.Sequence)
			}
		case wire.MsgError:
			log.Printf("notify client: server notice: %s", msg.Message)
		default:
			log.Printf("notify client: unknown message type %q", msg.Type)
		}
	}
}

// processEvent is the shared path for live and replayed events: dedup, gap
// detection, ack, then enqueue for batched dispatch. A zero sequence means
// the server sent an unsequenced event; it is dispatched but not tracked.
func (c *Client) processEvent(conn *websocket.Conn, ev event.StateChangeEvent, seq uint64) {
	var replayFrom uint64
	requestReplay := false

	c.mu.Lock()
	if seq != 0 {
		if _, dup := c.processed[seq]; dup {
			c.stats.Duplicates++
			c.mu.Unlock()
			return
		}

		if c.lastReceived > 0 && seq > c.lastReceived+1 {
			c.stats.Gaps++
			requestReplay = true
			replayFrom = c.lastReceived
			log.Printf("notify client: sequence gap: got %d after %d", seq, c.lastReceived)
		}

		c.lastReceived = seq
		c.processed[seq] = struct{}{}
		c.processedOrder = append(c.processedOrder, seq)
		if len(c.processed) > maxProcessedSequences {
			evicted := c.processedOrder[:processedEvictBatch]
			c.processedOrder = append(c.processedOrder[:0:0], c.processedOrder[processedEvictBatch:]...)
			for _, old := range evicted {
				delete(c.processed, old)
			}
		}
	}

	c.stats.EventsReceived++
	c.batch = append(c.batch, ev)
	if c.batchTimer != nil {
		c.batchTimer.Stop()
	}
	// Stop can lose the race with a firing timer; the generation bump makes
	// the old timer's flush a no-op instead of draining the new batch.
	c.batchGen++
	gen := c.batchGen
	c.batchTimer = time.AfterFunc(c.batchWindow, func() { c.flushBatch(gen) })
	c.mu.Unlock()

	if requestReplay {
		c.writeJSON(conn, wire.ClientMessage{Type: wire.MsgReplay, SinceSequence: replayFrom})
	}
	if seq != 0 {
		c.writeJSON(conn, wire.ClientMessage{Type: wire.MsgAck, Sequence: seq})
	}
}

func (c *Client) handleDisconnect(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	if c.pingCancel != nil {
		c.pingCancel()
		c.pingCancel = nil
	}
	closing := c.closing
	c.mu.Unlock()
	conn.Close()

	if closing {
		return
	}

	log.Printf("notify client: connection lost: %v", err)
	if c.opts.OnDisconnect != nil {
		c.opts.OnDisconnect(err)
	}
	c.scheduleReconnect()
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.closing || c.reconnectTimer != nil {
		c.mu.Unlock()
		return
	}

	delay := reconnectDelay(c.reconnectAttempts)
	c.reconnectAttempts++
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		c.mu.Unlock()
		c.resume()
	})
	c.mu.Unlock()

	log.Printf("notify client: reconnecting in %v", delay)
}

// reconnectDelay doubles per attempt from 1s, capped at 30s.
func reconnectDelay(attempts int) time.Duration {
	if attempts > 30 {
		return reconnectMaxDelay
	}
	delay := reconnectBaseDelay << uint(attempts)
	if delay > reconnectMaxDelay || delay <= 0 {
		return reconnectMaxDelay
	}
	return delay
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

// Disconnect closes the connection intentionally: timers are cancelled, any
// pending batch is flushed to handlers immediately, and the dedup set is
// cleared. The last received sequence survives so a later client can still
// request an accurate replay.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true

	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.batchTimer != nil {
		c.batchTimer.Stop()
		c.batchTimer = nil
	}
	if c.pingCancel != nil {
		c.pingCancel()
		c.pingCancel = nil
	}

	conn := c.conn
	c.conn = nil
	events := c.batch
	c.batch = nil
	c.batchGen++ // orphan any batch timer that already fired
	handlers := c.snapshotHandlersLocked()
	c.processed = make(map[uint64]struct{})
	c.processedOrder = nil
	c.mu.Unlock()

	dispatchBatch(events, handlers)

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout))
		conn.Close()
	}
}

func (c *Client) writeJSON(conn *websocket.Conn, v any) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(v); err != nil {
		log.Printf("notify client: write: %v", err)
	}
}

// LastReceivedSequence returns the highest sequence processed so far.
func (c *Client) LastReceivedSequence() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastReceived
}

// Stats returns a snapshot of the cumulative counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
