// Package providers implements the LLM backends behind the agent loop.
//
// Two backends exist: a cloud provider speaking Anthropic's Messages API
// and a local provider speaking the OpenAI-compatible API that Ollama and
// similar runtimes expose. Both stream, both surface tool calls as three
// stages (start, input deltas, complete call) so the turn pipeline can
// render tool input as it arrives.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/finsight-ai/finsight/internal/agent"
	routing "github.com/finsight-ai/finsight/internal/models"
	"github.com/finsight-ai/finsight/pkg/models"
)

// maxEmptyStreamEvents bounds consecutive events that produce no output
// before the stream is treated as malformed.
const maxEmptyStreamEvents = 300

// AnthropicConfig configures the cloud fallback provider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
}

// AnthropicProvider implements agent.LLMProvider against Anthropic's
// streaming Messages API. It is safe for concurrent use; each Complete
// call owns an independent stream and goroutine.
type AnthropicProvider struct {
	client       anthropic.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

// NewAnthropicProvider builds a provider from config. The API key is
// required; everything else defaults.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-5"
	}

	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(options...),
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *AnthropicProvider) Name() string {
	return string(routing.ProviderAnthropic)
}

// Complete starts a streaming completion and returns a channel of chunks.
// Stream creation is retried with exponential backoff for transient
// failures; errors after the stream opens arrive as Error chunks.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	chunks := make(chan *agent.CompletionChunk)

	go func() {
		defer close(chunks)

		model := p.model(req.Model)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		var err error
		for attempt := 0; attempt <= p.maxRetries; attempt++ {
			stream, err = p.createStream(ctx, req, model)
			if err == nil {
				break
			}

			wrapped := p.wrapError(err, model)
			if !routing.ShouldFailover(wrapped) {
				chunks <- &agent.CompletionChunk{Error: wrapped}
				return
			}

			if attempt < p.maxRetries {
				backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
				select {
				case <-ctx.Done():
					chunks <- &agent.CompletionChunk{Error: ctx.Err()}
					return
				case <-time.After(backoff):
				}
			}
		}
		if err != nil {
			chunks <- &agent.CompletionChunk{Error: fmt.Errorf("anthropic: max retries exceeded: %w", p.wrapError(err, model))}
			return
		}

		p.processStream(stream, chunks, model)
	}()

	return chunks, nil
}

func (p *AnthropicProvider) model(requested string) string {
	if requested != "" {
		return requested
	}
	return p.defaultModel
}

func (p *AnthropicProvider) createStream(ctx context.Context, req *agent.CompletionRequest, model string) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{Type: "text", Text: req.System},
		}
	}

	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: failed to convert tools: %w", err)
		}
		params.Tools = tools
	}

	if req.EnableThinking {
		budget := int64(req.ThinkingBudgetTokens)
		if budget < 1024 {
			budget = 4096
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}

	return p.client.Messages.NewStreaming(ctx, params), nil
}

// processStream converts Anthropic SSE events into chunks. Tool calls
// arrive as content_block_start (id and name), input_json_delta fragments,
// and content_block_stop; each stage is forwarded so callers can stream
// tool input, and the complete call is emitted at block stop.
func (p *AnthropicProvider) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *agent.CompletionChunk, model string) {
	var currentToolCall *models.ToolCall
	var currentToolInput strings.Builder
	emptyEventCount := 0
	inReasoningBlock := false

	var inputTokens, outputTokens int

	for stream.Next() {
		event := stream.Current()
		eventProcessed := false

		switch event.Type {
		case "message_start":
			messageStart := event.AsMessageStart()
			if messageStart.Message.Usage.InputTokens > 0 {
				inputTokens = int(messageStart.Message.Usage.InputTokens)
			}
			eventProcessed = true

		case "content_block_start":
			contentBlock := event.AsContentBlockStart().ContentBlock

			switch contentBlock.Type {
			case "thinking":
				inReasoningBlock = true
				chunks <- &agent.CompletionChunk{ReasoningStart: true}
				eventProcessed = true

			case "tool_use":
				toolUse := contentBlock.AsToolUse()
				currentToolCall = &models.ToolCall{
					ID:   toolUse.ID,
					Name: toolUse.Name,
				}
				currentToolInput.Reset()
				chunks <- &agent.CompletionChunk{
					ToolCallStart: &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name},
				}
				eventProcessed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta

			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- &agent.CompletionChunk{Text: delta.Text}
					eventProcessed = true
				}

			case "thinking_delta":
				if delta.Thinking != "" {
					chunks <- &agent.CompletionChunk{Reasoning: delta.Thinking}
					eventProcessed = true
				}

			case "input_json_delta":
				if delta.PartialJSON != "" && currentToolCall != nil {
					currentToolInput.WriteString(delta.PartialJSON)
					chunks <- &agent.CompletionChunk{
						ToolInputDelta: &agent.ToolInputDelta{
							CallID: currentToolCall.ID,
							Delta:  delta.PartialJSON,
						},
					}
					eventProcessed = true
				}
			}

		case "content_block_stop":
			if inReasoningBlock {
				chunks <- &agent.CompletionChunk{ReasoningEnd: true}
				inReasoningBlock = false
				eventProcessed = true
			} else if currentToolCall != nil {
				input := currentToolInput.String()
				if input == "" {
					input = "{}"
				}
				currentToolCall.Input = json.RawMessage(input)
				chunks <- &agent.CompletionChunk{ToolCall: currentToolCall}
				currentToolCall = nil
				eventProcessed = true
			}

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				outputTokens = int(messageDelta.Usage.OutputTokens)
			}
			eventProcessed = true

		case "message_stop":
			chunks <- &agent.CompletionChunk{
				Done:         true,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
			}
			return

		case "error":
			chunks <- &agent.CompletionChunk{
				Error: p.wrapError(errors.New("anthropic stream error"), model),
			}
			return
		}

		if eventProcessed {
			emptyEventCount = 0
		} else {
			emptyEventCount++
			if emptyEventCount >= maxEmptyStreamEvents {
				chunks <- &agent.CompletionChunk{
					Error: p.wrapError(
						fmt.Errorf("stream appears malformed: received %d consecutive empty events", emptyEventCount),
						model,
					),
				}
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- &agent.CompletionChunk{Error: p.wrapError(err, model)}
	}
}

// convertAnthropicMessages maps conversation messages into Anthropic's
// content block format. Tool results become user-role tool_result blocks;
// the "tool" role does not exist in the Messages API.
func convertAnthropicMessages(messages []agent.CompletionMessage) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}

		var content []anthropic.ContentBlockParamUnion

		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}

		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(
				tr.ToolCallID,
				toolResultContent(tr),
				tr.IsError,
			))
		}

		for _, tc := range msg.ToolCalls {
			var input map[string]interface{}
			if err := json.Unmarshal(tc.Input, &input); err != nil {
				return nil, fmt.Errorf("invalid tool call input for %s: %w", tc.Name, err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}

		if len(content) == 0 {
			continue
		}

		if msg.Role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

// toolResultContent flattens a tool result to the string content the
// Messages API expects.
func toolResultContent(tr models.ToolResult) string {
	if tr.IsError {
		return tr.ErrorText
	}
	return string(tr.Output)
}

func convertAnthropicTools(tools []agent.ToolDescriptor) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam

	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}

		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)

		result = append(result, toolParam)
	}

	return result, nil
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}

	var existing *routing.FailoverError
	if errors.As(err, &existing) {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		ferr := routing.Coerce(err, routing.ProviderAnthropic, model)
		return ferr.WithStatus(apiErr.StatusCode)
	}

	return routing.Coerce(err, routing.ProviderAnthropic, model)
}
