package realtime

import (
	"encoding/json"
	"time"
)

// State is the connection lifecycle state, owned exclusively by the
// Manager. Callers observe it read-only.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Well-known topics pushed by the backend. The set is non-exhaustive;
// unknown topics still dispatch to their subscribers.
const (
	TopicStatus         = "status"
	TopicTypingStart    = "agent_typing_start"
	TopicResponseStream = "agent_response_stream"
	TopicTypingStop     = "agent_typing_stop"
	TopicComplete       = "complete"
	TopicError          = "error"
)

// Envelope is the realtime wire format in both directions.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Handler receives every envelope published on a subscribed topic.
type Handler func(Envelope)
