// Package outbox durably holds mutations that could not reach the backend
// and replays them in FIFO order once connectivity returns. No user
// mutation is ever silently dropped: exhausted actions move to a persisted
// failed list.
package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ActionKind is the mutation class of a queued action.
type ActionKind string

const (
	ActionCreate ActionKind = "create"
	ActionUpdate ActionKind = "update"
	ActionDelete ActionKind = "delete"
)

// PendingAction is one queued mutation awaiting replay. The JSON shape is
// the persisted wire format: unknown extra fields are ignored on load so
// the format stays backward compatible.
type PendingAction struct {
	ID         string          `json:"id"`
	Kind       ActionKind      `json:"kind"`
	Resource   string          `json:"resource"`
	ResourceID string          `json:"resource_id,omitempty"`
	Method     string          `json:"method"`
	Path       string          `json:"path"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	Retries    int             `json:"retries"`
	LastError  string          `json:"last_error,omitempty"`
}

// NewID generates a queue-unique action id: millisecond timestamp plus a
// random suffix, so ids sort roughly by creation time.
func NewID(now time.Time) string {
	return fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.NewString()[:8])
}

// EventType classifies queue lifecycle events.
type EventType string

const (
	EventQueued   EventType = "queued"
	EventSending  EventType = "sending"
	EventReplayed EventType = "replayed"
	EventFailed   EventType = "failed"
)

// Event is emitted to registered listeners as actions move through the
// queue.
type Event struct {
	Type   EventType
	Action PendingAction
	Err    string
}

// Listener observes queue events.
type Listener func(Event)
