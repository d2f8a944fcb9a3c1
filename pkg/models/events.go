package models

import "encoding/json"

// EventKind classifies a stream event.
type EventKind string

const (
	// EventStart opens an assistant message. It carries the message id so
	// that a replayed event log reproduces identical state.
	EventStart EventKind = "start"

	// EventCreate materializes a new part.
	EventCreate EventKind = "create"

	// EventDelta appends streamed content to an existing part (text,
	// reasoning text, or tool input fragments).
	EventDelta EventKind = "delta"

	// EventFinalize moves a part to its next state and attaches any final
	// payload (complete input, output, or error text).
	EventFinalize EventKind = "finalize"

	// EventFinish closes the assistant message for this turn.
	EventFinish EventKind = "finish"

	// EventError reports a turn-level failure after streaming began.
	EventError EventKind = "error"
)

// StreamEvent is the wire unit of the incremental rendering protocol. Each
// event applies exactly one mutation to exactly one part of one message.
// Tool parts are addressed by CallID; text and reasoning parts by Index, the
// part's ordinal within the message. For a given CallID or index, events
// arrive in an order consistent with the part state machine.
type StreamEvent struct {
	Kind EventKind `json:"kind"`

	// MessageID is set on start events.
	MessageID string `json:"message_id,omitempty"`

	// Part identifies the union variant being mutated.
	Part PartType `json:"part,omitempty"`

	// Index is the target part's ordinal within the message.
	Index int `json:"index,omitempty"`

	CallID   string `json:"call_id,omitempty"`
	ToolName string `json:"tool_name,omitempty"`

	// State is the part state after this event applies.
	State string `json:"state,omitempty"`

	// Delta carries incremental text or a tool input fragment.
	Delta string `json:"delta,omitempty"`

	Input     json.RawMessage `json:"input,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	ErrorText string          `json:"error_text,omitempty"`
}
