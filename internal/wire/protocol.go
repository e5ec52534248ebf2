// Package wire defines the JSON messages exchanged between the notification
// server and its clients. Both sides share these types so the protocol cannot
// drift between them.
package wire

import (
	"github.com/phaseboard/notify/internal/event"
)

// MessageType identifies the kind of protocol message.
type MessageType string

const (
	// Client → server.
	MsgSubscribe MessageType = "subscribe"
	MsgAck       MessageType = "ack"
	MsgReplay    MessageType = "replay"

	// Server → client. MsgReplay is shared: the reply to a replay request
	// carries the same type as the request.
	MsgConnected MessageType = "connected"
	MsgEvent     MessageType = "event"

	// MsgError carries both genuine errors and informational notices.
	// Keeping them fused on one wire type preserves compatibility with
	// existing consumers; the server distinguishes severity internally.
	MsgError MessageType = "error"
)

// ClientMessage is the envelope for everything a client sends. Which fields
// are meaningful depends on Type.
type ClientMessage struct {
	Type           MessageType `json:"type"`
	ProjectNumbers []int       `json:"projectNumbers,omitempty"`
	Sequence       uint64      `json:"sequence,omitempty"`
	SinceSequence  uint64      `json:"sinceSequence,omitempty"`
}

// SequencedEvent pairs an event with the per-connection sequence number it
// was assigned when forwarded.
type SequencedEvent struct {
	Event    event.StateChangeEvent `json:"event"`
	Sequence uint64                 `json:"sequence"`
}

// EventMessage delivers one live event.
type EventMessage struct {
	Type     MessageType            `json:"type"`
	Event    event.StateChangeEvent `json:"event"`
	Sequence uint64                 `json:"sequence"`
}

// ReplayMessage answers a replay request with the buffered events newer than
// the requested sequence, in ascending order.
type ReplayMessage struct {
	Type   MessageType      `json:"type"`
	Events []SequencedEvent `json:"events"`
}

// ErrorMessage reports an error or an informational notice.
type ErrorMessage struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

// ConnectedMessage acknowledges a successful connection.
type ConnectedMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
}

// ServerMessage is the envelope clients decode inbound frames into before
// switching on Type.
type ServerMessage struct {
	Type      MessageType             `json:"type"`
	SessionID string                  `json:"sessionId,omitempty"`
	Event     *event.StateChangeEvent `json:"event,omitempty"`
	Sequence  uint64                  `json:"sequence,omitempty"`
	Events    []SequencedEvent        `json:"events,omitempty"`
	Message   string                  `json:"message,omitempty"`
}
