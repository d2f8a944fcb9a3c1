// Package models defines the wire types shared between the FinSight server,
// the stream protocol, and the headless client.
package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// PartType discriminates the Part tagged union.
type PartType string

const (
	PartText           PartType = "text"
	PartReasoning      PartType = "reasoning"
	PartToolInvocation PartType = "tool-invocation"
	// PartDynamicTool is the fallback variant for tools unknown at client
	// build time. It shares the ToolInvocation state machine.
	PartDynamicTool PartType = "dynamic-tool"
)

// ToolState is the lifecycle state of a tool invocation part.
//
// States only advance forward:
//
//	input-streaming -> input-available -> {output-available | output-error}
type ToolState string

const (
	ToolInputStreaming  ToolState = "input-streaming"
	ToolInputAvailable  ToolState = "input-available"
	ToolOutputAvailable ToolState = "output-available"
	ToolOutputError     ToolState = "output-error"
)

// toolStateRank orders states for transition checks.
func toolStateRank(s ToolState) int {
	switch s {
	case ToolInputStreaming:
		return 0
	case ToolInputAvailable:
		return 1
	case ToolOutputAvailable, ToolOutputError:
		return 2
	default:
		return -1
	}
}

// CanAdvance reports whether a tool part may move from its current state to
// next. Equal terminal states are not re-enterable; the sequence never skips
// input-available and never reverses.
func (s ToolState) CanAdvance(next ToolState) bool {
	cur, nxt := toolStateRank(s), toolStateRank(next)
	if cur < 0 || nxt < 0 {
		return false
	}
	return nxt == cur+1
}

// Terminal reports whether the state is one of the two end states.
func (s ToolState) Terminal() bool {
	return s == ToolOutputAvailable || s == ToolOutputError
}

// ReasoningState tracks whether a reasoning part is still streaming.
type ReasoningState string

const (
	ReasoningStreaming ReasoningState = "streaming"
	ReasoningDone      ReasoningState = "done"
)

// Part is an atomic, ordered unit of message content. The Type field
// discriminates the union; render boundaries must switch exhaustively on it.
type Part struct {
	Type PartType `json:"type"`

	// Text holds content for text and reasoning parts.
	Text string `json:"text,omitempty"`

	// ReasoningState is set only for reasoning parts.
	ReasoningState ReasoningState `json:"reasoning_state,omitempty"`

	// Tool invocation fields. CallID is stable across all states of one
	// invocation and unique within a message.
	ToolName  string          `json:"tool_name,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	State     ToolState       `json:"state,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	ErrorText string          `json:"error_text,omitempty"`
}

// IsTool reports whether the part carries the tool invocation state machine.
func (p *Part) IsTool() bool {
	return p.Type == PartToolInvocation || p.Type == PartDynamicTool
}

// NewTextPart returns a text part.
func NewTextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// NewReasoningPart returns a streaming reasoning part.
func NewReasoningPart(text string) Part {
	return Part{Type: PartReasoning, Text: text, ReasoningState: ReasoningStreaming}
}

// NewToolPart returns a tool invocation part in its initial state.
// known selects between the typed and the dynamic fallback variant.
func NewToolPart(toolName, callID string, known bool) Part {
	typ := PartToolInvocation
	if !known {
		typ = PartDynamicTool
	}
	return Part{
		Type:     typ,
		ToolName: toolName,
		CallID:   callID,
		State:    ToolInputStreaming,
	}
}

// Message is one conversation entry. Parts are ordered; render order equals
// arrival order. Messages are write-once after a turn completes except for
// the ProcessingTimeMs annotation patched by the persistence adapter.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id,omitempty"`
	Role      Role      `json:"role"`
	Parts     []Part    `json:"parts"`
	CreatedAt time.Time `json:"created_at"`

	// ProcessingTimeMs is set only on the final assistant message of a turn.
	ProcessingTimeMs int64 `json:"processing_time_ms,omitempty"`
}

// TextContent concatenates the message's text parts.
func (m *Message) TextContent() string {
	var out string
	for _, p := range m.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

// ToolPart returns the tool part with the given call id, if present.
func (m *Message) ToolPart(callID string) *Part {
	for i := range m.Parts {
		if m.Parts[i].IsTool() && m.Parts[i].CallID == callID {
			return &m.Parts[i]
		}
	}
	return nil
}

// AllToolsTerminal reports whether every tool part of the message has
// reached output-available or output-error. Messages without tool parts
// report true.
func (m *Message) AllToolsTerminal() bool {
	for _, p := range m.Parts {
		if p.IsTool() && !p.State.Terminal() {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	clone := *m
	clone.Parts = make([]Part, len(m.Parts))
	for i, p := range m.Parts {
		cp := p
		cp.Input = append(json.RawMessage(nil), p.Input...)
		cp.Output = append(json.RawMessage(nil), p.Output...)
		clone.Parts[i] = cp
	}
	return &clone
}
