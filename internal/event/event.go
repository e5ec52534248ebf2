// Package event defines the state-change events distributed to clients and
// the in-process bus that fans them out to subscribers.
package event

import (
	"encoding/json"
	"time"
)

// Kind classifies a state change.
type Kind string

const (
	KindIssueUpdated   Kind = "issue_updated"
	KindProjectUpdated Kind = "project_updated"
	KindPhaseChanged   Kind = "phase_changed"
)

// StateChangeEvent is the payload distributed to clients. The protocol layer
// treats it as opaque except for ProjectNumber, which routes it.
type StateChangeEvent struct {
	Kind          Kind            `json:"kind"`
	ProjectNumber int             `json:"projectNumber"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	ItemID        string          `json:"itemId,omitempty"`
}
