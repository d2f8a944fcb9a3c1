package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/finsight-ai/finsight/internal/agent"
	routing "github.com/finsight-ai/finsight/internal/models"
	"github.com/finsight-ai/finsight/pkg/models"
)

// LocalConfig configures the local inference provider. BaseURL points at
// an OpenAI-compatible endpoint such as Ollama's /v1 surface.
type LocalConfig struct {
	BaseURL    string
	APIKey     string
	MaxRetries int
	RetryDelay time.Duration
}

// LocalProvider implements agent.LLMProvider against a local
// OpenAI-compatible runtime. It also implements the model resolver's
// Inventory so the same endpoint serves both the availability probe and
// the completions.
type LocalProvider struct {
	client     *openai.Client
	maxRetries int
	retryDelay time.Duration
}

// NewLocalProvider builds a provider for the given endpoint. Local
// runtimes usually ignore the API key but some front proxies require one.
func NewLocalProvider(cfg LocalConfig) (*LocalProvider, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("local: base URL is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "unused"
	}
	clientCfg := openai.DefaultConfig(apiKey)
	clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &LocalProvider{
		client:     openai.NewClientWithConfig(clientCfg),
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}, nil
}

func (p *LocalProvider) Name() string {
	return string(routing.ProviderLocal)
}

// ListModels reports the model identifiers the runtime currently serves,
// sorted for stable selection. Implements the resolver's Inventory.
func (p *LocalProvider) ListModels(ctx context.Context) ([]string, error) {
	list, err := p.client.ListModels(ctx)
	if err != nil {
		return nil, routing.Coerce(err, routing.ProviderLocal, "")
	}

	ids := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		if m.ID != "" {
			ids = append(ids, m.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Complete streams a completion from the local runtime. Stream creation is
// retried with linear backoff for transient failures.
func (p *LocalProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: convertLocalMessages(req.Messages, req.System),
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertLocalTools(req.Tools)
	}

	var stream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}

		stream, lastErr = p.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			break
		}
		if !routing.ShouldFailover(routing.Coerce(lastErr, routing.ProviderLocal, req.Model)) {
			return nil, routing.Coerce(lastErr, routing.ProviderLocal, req.Model)
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("local: max retries exceeded: %w", routing.Coerce(lastErr, routing.ProviderLocal, req.Model))
	}

	chunks := make(chan *agent.CompletionChunk)
	go p.processStream(ctx, stream, chunks, req.Model)
	return chunks, nil
}

// localToolCall tracks a tool call assembled from incremental deltas.
type localToolCall struct {
	call    *models.ToolCall
	args    strings.Builder
	started bool
}

// processStream converts OpenAI-style stream deltas into chunks. Tool
// calls arrive incrementally (id and name first, then argument fragments
// keyed by index); each fragment is forwarded as a ToolInputDelta and the
// complete call is emitted when the finish reason fires or the stream ends.
func (p *LocalProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *agent.CompletionChunk, model string) {
	defer close(chunks)
	defer stream.Close()

	pending := make(map[int]*localToolCall)
	inReasoning := false
	var inputTokens, outputTokens int

	flushCalls := func() {
		indexes := make([]int, 0, len(pending))
		for i := range pending {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)
		for _, i := range indexes {
			tc := pending[i]
			if tc.call.Name == "" {
				continue
			}
			input := tc.args.String()
			if input == "" {
				input = "{}"
			}
			tc.call.Input = []byte(input)
			chunks <- &agent.CompletionChunk{ToolCall: tc.call}
		}
		pending = make(map[int]*localToolCall)
	}

	endReasoning := func() {
		if inReasoning {
			chunks <- &agent.CompletionChunk{ReasoningEnd: true}
			inReasoning = false
		}
	}

	for {
		select {
		case <-ctx.Done():
			chunks <- &agent.CompletionChunk{Error: ctx.Err(), Done: true}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				endReasoning()
				flushCalls()
				chunks <- &agent.CompletionChunk{
					Done:         true,
					InputTokens:  inputTokens,
					OutputTokens: outputTokens,
				}
				return
			}
			chunks <- &agent.CompletionChunk{Error: routing.Coerce(err, routing.ProviderLocal, model), Done: true}
			return
		}

		if response.Usage != nil {
			inputTokens = response.Usage.PromptTokens
			outputTokens = response.Usage.CompletionTokens
		}

		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]
		delta := choice.Delta

		if delta.ReasoningContent != "" {
			if !inReasoning {
				chunks <- &agent.CompletionChunk{ReasoningStart: true}
				inReasoning = true
			}
			chunks <- &agent.CompletionChunk{Reasoning: delta.ReasoningContent}
		}

		if delta.Content != "" {
			endReasoning()
			chunks <- &agent.CompletionChunk{Text: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}

			cur := pending[index]
			if cur == nil {
				cur = &localToolCall{call: &models.ToolCall{}}
				pending[index] = cur
			}

			if tc.ID != "" {
				cur.call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				cur.call.Name = tc.Function.Name
			}

			// Some runtimes omit call IDs; synthesize one before the
			// start chunk so deltas have a stable key.
			if !cur.started && cur.call.Name != "" {
				if cur.call.ID == "" {
					cur.call.ID = "call_" + uuid.NewString()
				}
				cur.started = true
				endReasoning()
				chunks <- &agent.CompletionChunk{
					ToolCallStart: &models.ToolCall{ID: cur.call.ID, Name: cur.call.Name},
				}
			}

			if tc.Function.Arguments != "" && cur.started {
				cur.args.WriteString(tc.Function.Arguments)
				chunks <- &agent.CompletionChunk{
					ToolInputDelta: &agent.ToolInputDelta{
						CallID: cur.call.ID,
						Delta:  tc.Function.Arguments,
					},
				}
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			endReasoning()
			flushCalls()
		}
	}
}

// convertLocalMessages maps conversation messages to OpenAI chat format.
// The system prompt rides in the messages array, and each tool result
// becomes its own tool-role message.
func convertLocalMessages(messages []agent.CompletionMessage, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case "tool":
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    toolResultContent(tr),
					ToolCallID: tr.ToolCallID,
				})
			}

		case "assistant":
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			if len(msg.ToolCalls) > 0 {
				oaiMsg.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
				for i, tc := range msg.ToolCalls {
					oaiMsg.ToolCalls[i] = openai.ToolCall{
						ID:   tc.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      tc.Name,
							Arguments: string(tc.Input),
						},
					}
				}
			}
			result = append(result, oaiMsg)

		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    msg.Role,
				Content: msg.Content,
			})
		}
	}

	return result
}

func convertLocalTools(tools []agent.ToolDescriptor) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Schema, &schemaMap); err != nil {
			schemaMap = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaMap,
			},
		}
	}
	return result
}
