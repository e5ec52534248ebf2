package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/phaseboard/notify/internal/event"
	"github.com/phaseboard/notify/internal/wire"
)

// newConnPair creates a real WebSocket connection through a test HTTP server
// and returns both ends. Cleanup closes everything.
func newConnPair(t *testing.T) (serverConn, clientConn *websocket.Conn, cleanup func()) {
	t.Helper()

	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		connCh <- c
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}

	select {
	case serverConn = <-connCh:
	case <-time.After(2 * time.Second):
		srv.Close()
		t.Fatal("timed out waiting for server-side connection")
	}

	cleanup = func() {
		clientConn.Close()
		serverConn.Close()
		srv.Close()
	}
	return serverConn, clientConn, cleanup
}

// testSession wires a session over a real connection with an inert registry
// (sweep interval far in the future).
func testSession(t *testing.T, bufferSize, maxErrors int) (*Session, *event.Bus, *websocket.Conn, func()) {
	t.Helper()

	serverConn, clientConn, cleanup := newConnPair(t)
	bus := event.NewBus()
	registry := NewRegistry(time.Hour, time.Hour, 0)
	sess := newSession("test-session", serverConn, bus, registry, bufferSize, maxErrors)
	if err := registry.Add(sess); err != nil {
		t.Fatalf("registry.Add: %v", err)
	}

	return sess, bus, clientConn, func() {
		registry.Shutdown()
		cleanup()
	}
}

// readMessage reads one frame from the client side and decodes it.
func readMessage(t *testing.T, conn *websocket.Conn) wire.ServerMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg wire.ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return msg
}

func testEvent(project int) event.StateChangeEvent {
	return event.StateChangeEvent{
		Kind:          event.KindIssueUpdated,
		ProjectNumber: project,
		Timestamp:     time.Now(),
	}
}

func TestForward_AssignsSequencesFromOne(t *testing.T) {
	sess, _, clientConn, cleanup := testSession(t, 100, 10)
	defer cleanup()

	for i := 0; i < 3; i++ {
		sess.forward(testEvent(72))
	}

	for want := uint64(1); want <= 3; want++ {
		msg := readMessage(t, clientConn)
		if msg.Type != wire.MsgEvent {
			t.Fatalf("message %d: type = %q, want event", want, msg.Type)
		}
		if msg.Sequence != want {
			t.Errorf("sequence = %d, want %d", msg.Sequence, want)
		}
	}
}

func TestForward_FilterDropsNonMatching(t *testing.T) {
	sess, _, clientConn, cleanup := testSession(t, 100, 10)
	defer cleanup()

	sess.handleSubscribe([]int{70})

	// Subscription confirmation comes first.
	if msg := readMessage(t, clientConn); msg.Type != wire.MsgError || !strings.Contains(msg.Message, "70") {
		t.Fatalf("expected subscribe notice naming 70, got %+v", msg)
	}

	sess.forward(testEvent(72)) // dropped
	sess.forward(testEvent(70)) // forwarded as sequence 1

	msg := readMessage(t, clientConn)
	if msg.Type != wire.MsgEvent {
		t.Fatalf("type = %q, want event", msg.Type)
	}
	if msg.Sequence != 1 {
		t.Errorf("sequence = %d, want 1 (dropped events must not consume sequences)", msg.Sequence)
	}
	if msg.Event == nil || msg.Event.ProjectNumber != 70 {
		t.Errorf("expected event for project 70, got %+v", msg.Event)
	}
}

func TestHandleReplay_ReturnsEventsAfterSequence(t *testing.T) {
	sess, _, clientConn, cleanup := testSession(t, 100, 10)
	defer cleanup()

	for i := 0; i < 3; i++ {
		sess.forward(testEvent(72))
		readMessage(t, clientConn) // drain live events
	}

	sess.handleReplay(1)

	msg := readMessage(t, clientConn)
	if msg.Type != wire.MsgReplay {
		t.Fatalf("type = %q, want replay", msg.Type)
	}
	if len(msg.Events) != 2 {
		t.Fatalf("expected 2 replayed events, got %d", len(msg.Events))
	}
	if msg.Events[0].Sequence != 2 || msg.Events[1].Sequence != 3 {
		t.Errorf("replayed sequences = %d,%d, want 2,3", msg.Events[0].Sequence, msg.Events[1].Sequence)
	}
}

func TestHandleReplay_EmptyBuffer(t *testing.T) {
	sess, _, clientConn, cleanup := testSession(t, 100, 10)
	defer cleanup()

	sess.handleReplay(0)

	msg := readMessage(t, clientConn)
	if msg.Type != wire.MsgReplay {
		t.Fatalf("type = %q, want replay", msg.Type)
	}
	if len(msg.Events) != 0 {
		t.Errorf("expected empty replay, got %d events", len(msg.Events))
	}
}

func TestHandleReplay_NothingNewer(t *testing.T) {
	sess, _, clientConn, cleanup := testSession(t, 100, 10)
	defer cleanup()

	sess.forward(testEvent(72))
	sess.forward(testEvent(72))
	readMessage(t, clientConn)
	readMessage(t, clientConn)

	sess.handleReplay(2)

	msg := readMessage(t, clientConn)
	if msg.Type != wire.MsgReplay || len(msg.Events) != 0 {
		t.Fatalf("expected empty replay, got %+v", msg)
	}
}

func TestHandleReplay_EvictedHistoryRequiresFullRefresh(t *testing.T) {
	sess, _, clientConn, cleanup := testSession(t, 5, 10)
	defer cleanup()

	for i := 0; i < 10; i++ {
		sess.forward(testEvent(72))
	}
	for i := 0; i < 10; i++ {
		readMessage(t, clientConn)
	}

	// Buffer now holds 6..10; sequence 2 is long gone.
	sess.handleReplay(1)

	msg := readMessage(t, clientConn)
	if msg.Type != wire.MsgError {
		t.Fatalf("type = %q, want error (full refresh)", msg.Type)
	}
	if !strings.Contains(msg.Message, "full refresh") {
		t.Errorf("error message should mention full refresh, got %q", msg.Message)
	}
	if !sess.NeedsFullRefresh() {
		t.Error("needsFullRefresh should be set after serving an evicted-history request")
	}

	// The boundary case oldest-1 is still servable: replay(5) returns 6..10.
	sess.handleReplay(5)
	reply := readMessage(t, clientConn)
	if reply.Type != wire.MsgReplay {
		t.Fatalf("type = %q, want replay", reply.Type)
	}
	if len(reply.Events) != 5 || reply.Events[0].Sequence != 6 || reply.Events[4].Sequence != 10 {
		t.Fatalf("expected sequences 6..10, got %+v", reply.Events)
	}
}

func TestReplayBuffer_NeverExceedsCapacity(t *testing.T) {
	sess, _, _, cleanup := testSession(t, 5, 10)
	defer cleanup()

	for i := 0; i < 20; i++ {
		sess.forward(testEvent(72))
		sess.mu.Lock()
		if n := len(sess.replay); n > 5 {
			sess.mu.Unlock()
			t.Fatalf("buffer grew to %d entries, cap is 5", n)
		}
		sess.mu.Unlock()
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.replay[0].sequence != 16 {
		t.Errorf("oldest buffered sequence = %d, want 16", sess.replay[0].sequence)
	}
	for i := 1; i < len(sess.replay); i++ {
		if sess.replay[i].sequence != sess.replay[i-1].sequence+1 {
			t.Errorf("buffer sequences not contiguous at index %d", i)
		}
	}
}

func TestHandleAck_ClearsFullRefreshWhenCaughtUp(t *testing.T) {
	sess, _, clientConn, cleanup := testSession(t, 100, 10)
	defer cleanup()

	sess.forward(testEvent(72))
	sess.forward(testEvent(72))
	readMessage(t, clientConn)
	readMessage(t, clientConn)

	sess.mu.Lock()
	sess.needsFullRefresh = true
	sess.mu.Unlock()

	// Acking sequence 1 is not enough: 2 has been assigned.
	sess.handleAck(1)
	if !sess.NeedsFullRefresh() {
		t.Fatal("full refresh cleared by a stale ack")
	}
	if sess.LastAcknowledged() != 1 {
		t.Fatalf("lastAcknowledged = %d, want 1", sess.LastAcknowledged())
	}

	sess.handleAck(2)
	if sess.NeedsFullRefresh() {
		t.Fatal("full refresh should clear once the client has caught up")
	}
}

func TestProtocolErrors_BudgetForcesClose(t *testing.T) {
	const maxErrors = 3
	sess, _, clientConn, cleanup := testSession(t, 100, maxErrors)
	defer cleanup()

	registry := sess.registry

	// One under budget: still connected.
	for i := 0; i < maxErrors-1; i++ {
		sess.handleMessage([]byte("{not json"))
		msg := readMessage(t, clientConn)
		if msg.Type != wire.MsgError {
			t.Fatalf("expected error reply, got %+v", msg)
		}
	}
	if got := registry.Count(); got != 1 {
		t.Fatalf("session closed before budget exhausted: count = %d", got)
	}

	// Budget exhausted: policy-violation close.
	sess.handleMessage([]byte(`{"type":"bogus"}`))

	var closeErr error
	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := clientConn.ReadMessage()
		if err != nil {
			closeErr = err
			break
		}
	}
	if !websocket.IsCloseError(closeErr, websocket.ClosePolicyViolation) {
		t.Fatalf("expected close 1008, got %v", closeErr)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if registry.Count() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session not removed after budget exceeded; count = %d", registry.Count())
}

func TestUnknownMessageType_ErrorNamesType(t *testing.T) {
	sess, _, clientConn, cleanup := testSession(t, 100, 10)
	defer cleanup()

	sess.handleMessage([]byte(`{"type":"frobnicate"}`))

	msg := readMessage(t, clientConn)
	if msg.Type != wire.MsgError {
		t.Fatalf("type = %q, want error", msg.Type)
	}
	if want := "Unknown message type: frobnicate"; msg.Message != want {
		t.Errorf("message = %q, want %q", msg.Message, want)
	}
}

func TestHandleSubscribe_ReplacesBusSubscription(t *testing.T) {
	sess, bus, clientConn, cleanup := testSession(t, 100, 10)
	defer cleanup()

	sess.handleSubscribe([]int{70})
	readMessage(t, clientConn)
	if got := bus.SubscriberCount(); got != 1 {
		t.Fatalf("subscriber count = %d, want 1", got)
	}

	sess.handleSubscribe([]int{72})
	readMessage(t, clientConn)
	if got := bus.SubscriberCount(); got != 1 {
		t.Fatalf("subscriber count after re-subscribe = %d, want 1 (old must be released)", got)
	}

	// Events now route via the bus with the new filter.
	bus.Emit(testEvent(70))
	bus.Emit(testEvent(72))

	msg := readMessage(t, clientConn)
	if msg.Event == nil || msg.Event.ProjectNumber != 72 {
		t.Fatalf("expected project 72 only, got %+v", msg.Event)
	}
}

func TestTeardown_IdempotentAndReleasesSubscription(t *testing.T) {
	sess, bus, clientConn, cleanup := testSession(t, 100, 10)
	defer cleanup()

	sess.handleSubscribe(nil)
	readMessage(t, clientConn)
	if got := bus.SubscriberCount(); got != 1 {
		t.Fatalf("subscriber count = %d, want 1", got)
	}

	sess.teardown()
	sess.teardown() // must not panic

	if got := bus.SubscriberCount(); got != 0 {
		t.Fatalf("subscriber count after teardown = %d, want 0", got)
	}

	// Emitting after teardown must be harmless.
	bus.Emit(testEvent(72))
}

func TestForward_SaturatedQueueSetsFullRefresh(t *testing.T) {
	serverConn, _, cleanup := newConnPair(t)
	defer cleanup()

	bus := event.NewBus()
	registry := NewRegistry(time.Hour, time.Hour, 0)
	defer registry.Shutdown()

	sess := &Session{
		ID:                  "sat",
		conn:                serverConn,
		bus:                 bus,
		registry:            registry,
		maxReplayBufferSize: 100,
		maxErrorCount:       10,
		send:                make(chan []byte), // unbuffered, no pump: every send fails
		done:                make(chan struct{}),
		nextSequence:        1,
		lastPingAck:         time.Now(),
	}

	sess.forward(testEvent(72))

	if !sess.NeedsFullRefresh() {
		t.Fatal("undeliverable event should set needsFullRefresh")
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.nextSequence != 2 {
		t.Errorf("nextSequence = %d, want 2 (sequence is consumed even when delivery fails)", sess.nextSequence)
	}
	if len(sess.replay) != 1 {
		t.Errorf("event should still be buffered for replay, buffer len = %d", len(sess.replay))
	}
}

func TestDescribeFilter(t *testing.T) {
	tests := []struct {
		projects []int
		want     string
	}{
		{nil, "all"},
		{[]int{}, "all"},
		{[]int{72}, "72"},
		{[]int{72, 70}, "70,72"},
	}

	for _, tt := range tests {
		if got := describeFilter(tt.projects); got != tt.want {
			t.Errorf("describeFilter(%v) = %q, want %q", tt.projects, got, tt.want)
		}
	}
}

func TestSequencesNeverReset(t *testing.T) {
	sess, _, clientConn, cleanup := testSession(t, 3, 10)
	defer cleanup()

	// Overflow the buffer repeatedly; assigned sequences keep climbing.
	for i := 0; i < 7; i++ {
		sess.forward(testEvent(72))
	}
	var last uint64
	for i := 0; i < 7; i++ {
		msg := readMessage(t, clientConn)
		if msg.Sequence != last+1 {
			t.Fatalf("sequence %d after %d: numbering must never reset", msg.Sequence, last)
		}
		last = msg.Sequence
	}
	if last != 7 {
		t.Fatalf("expected final sequence 7, got %d", last)
	}
}
