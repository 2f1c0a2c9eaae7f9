// Package stream delivers live progress events for running executions to
// interested subscribers without coupling the execution runner to any
// particular transport.
package stream

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of progress event.
type EventType string

const (
	EventStart    EventType = "start"
	EventCommand  EventType = "command"
	EventStdout   EventType = "stdout"
	EventStderr   EventType = "stderr"
	EventStatus   EventType = "status"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Terminal returns true for the event types that end a stream.
func (t EventType) Terminal() bool {
	return t == EventComplete || t == EventError
}

// Event is one progress event for an execution. Sequence numbers are
// monotonically increasing per execution, starting at 0; subscribers
// receive events in non-decreasing sequence order. A subscriber that
// attaches mid-stream may miss events emitted before it attached, modulo
// best-effort catch-up from the replay buffer.
type Event struct {
	ExecutionID string          `json:"execution_id"`
	Sequence    uint64          `json:"sequence"`
	Type        EventType       `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// payload shapes for the individual event types

type commandPayload struct {
	Command string `json:"command"`
}

type chunkPayload struct {
	Chunk string `json:"chunk"`
}

type statusPayload struct {
	Status string `json:"status"`
}

type errorPayload struct {
	Error string `json:"error"`
}
