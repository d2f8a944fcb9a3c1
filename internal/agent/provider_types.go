package agent

import (
	"context"
	"encoding/json"

	"github.com/finsight-ai/finsight/pkg/models"
)

// LLMProvider is the interface to a language model backend.
//
// Implementations must be safe for concurrent use; multiple turns may call
// Complete simultaneously.
type LLMProvider interface {
	// Complete sends a request and returns a streaming response. The
	// channel is closed when the model finishes or errors.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider name for logging and metrics.
	Name() string
}

// CompletionRequest contains all parameters for a model call.
type CompletionRequest struct {
	// Model is the backend model identifier.
	Model string `json:"model"`

	// System sets the assistant's behavior; handled separately from
	// messages by most provider APIs.
	System string `json:"system,omitempty"`

	// Messages is the conversation so far, in chronological order.
	Messages []CompletionMessage `json:"messages"`

	// Tools the model may request. Empty disables tool calling.
	Tools []ToolDescriptor `json:"tools,omitempty"`

	// MaxTokens limits the response length. Zero uses the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`

	// EnableThinking turns on extended reasoning for models that support it.
	EnableThinking bool `json:"enable_thinking,omitempty"`

	// ThinkingBudgetTokens sets the reasoning token budget when
	// EnableThinking is true.
	ThinkingBudgetTokens int `json:"thinking_budget_tokens,omitempty"`
}

// CompletionMessage is one message in a conversation sent to a provider.
// Role is "user", "assistant", "system", or "tool".
type CompletionMessage struct {
	Role        string              `json:"role"`
	Content     string              `json:"content,omitempty"`
	Reasoning   string              `json:"reasoning,omitempty"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
}

// ToolDescriptor advertises a registered tool to the provider.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// ToolInputDelta is a fragment of a tool call's streamed input arguments.
type ToolInputDelta struct {
	CallID string `json:"call_id"`
	Delta  string `json:"delta"`
}

// CompletionChunk is a single unit of a streaming model response.
//
// A tool call arrives as ToolCallStart (name and id known, input still
// streaming), zero or more ToolInputDelta fragments, then a complete
// ToolCall once the arguments are fully parsed. Providers that do not
// stream arguments may emit the ToolCall alone.
type CompletionChunk struct {
	// Text is partial response text.
	Text string `json:"text,omitempty"`

	// Reasoning is partial extended-reasoning text, streamed separately
	// from the response text.
	Reasoning      string `json:"reasoning,omitempty"`
	ReasoningStart bool   `json:"reasoning_start,omitempty"`
	ReasoningEnd   bool   `json:"reasoning_end,omitempty"`

	// ToolCallStart announces a tool call whose input is still streaming.
	ToolCallStart *models.ToolCall `json:"tool_call_start,omitempty"`

	// ToolInputDelta carries a fragment of a pending call's input.
	ToolInputDelta *ToolInputDelta `json:"tool_input_delta,omitempty"`

	// ToolCall is a complete tool execution request.
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`

	// Done is true on the final chunk of a successful stream.
	Done bool `json:"done,omitempty"`

	// InputTokens and OutputTokens are populated on the final chunk.
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`

	// Error terminates the stream.
	Error error `json:"-"`
}

// ResponseChunk is the loop's output unit, consumed by the stream pipe.
// Each chunk describes exactly one transcript mutation.
type ResponseChunk struct {
	Text string `json:"text,omitempty"`

	Reasoning      string `json:"reasoning,omitempty"`
	ReasoningStart bool   `json:"reasoning_start,omitempty"`
	ReasoningEnd   bool   `json:"reasoning_end,omitempty"`

	// ToolCallStart opens a tool invocation in input-streaming state.
	ToolCallStart *models.ToolCall `json:"tool_call_start,omitempty"`

	// ToolInputDelta appends to a pending invocation's input.
	ToolInputDelta *ToolInputDelta `json:"tool_input_delta,omitempty"`

	// ToolCallReady marks an invocation's input as fully available.
	ToolCallReady *models.ToolCall `json:"tool_call_ready,omitempty"`

	// ToolResult finalizes an invocation with output or an error.
	ToolResult *models.ToolResult `json:"tool_result,omitempty"`

	// StepDone marks the end of one loop step.
	StepDone bool `json:"step_done,omitempty"`

	// Done marks successful turn completion.
	Done bool `json:"done,omitempty"`

	// Error terminates the turn.
	Error error `json:"-"`
}
