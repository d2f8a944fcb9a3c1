package models

import "encoding/json"

// ToolCall is a tool execution request produced by the model.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the outcome of executing one tool call.
type ToolResult struct {
	ToolCallID string          `json:"tool_call_id"`
	Output     json.RawMessage `json:"output,omitempty"`
	ErrorText  string          `json:"error_text,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
}
