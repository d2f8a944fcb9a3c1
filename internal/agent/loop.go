package agent

import (
	"context"
	"strings"
	"time"

	"github.com/finsight-ai/finsight/internal/observability"
	"github.com/finsight-ai/finsight/pkg/models"
)

const processBufferSize = 64

// LoopConfig configures turn execution.
type LoopConfig struct {
	// MaxSteps limits model/tool rounds per turn.
	// Default: 10
	MaxSteps int

	// MaxTokens is the default max tokens for model responses.
	// Default: 4096
	MaxTokens int

	// ThinkingBudgetTokens is the reasoning budget when thinking is on.
	// Default: 4096
	ThinkingBudgetTokens int

	// SystemPrompt is sent with every request. It also states the
	// contractual limit of parallel tool calls per step; the executor
	// enforces the same cap mechanically.
	SystemPrompt string

	// ExecutorConfig configures the parallel tool executor.
	ExecutorConfig *ExecutorConfig
}

// DefaultLoopConfig returns the default loop configuration.
func DefaultLoopConfig() *LoopConfig {
	return &LoopConfig{
		MaxSteps:             10,
		MaxTokens:            4096,
		ThinkingBudgetTokens: 4096,
		ExecutorConfig:       DefaultExecutorConfig(),
	}
}

func sanitizeLoopConfig(config *LoopConfig) *LoopConfig {
	if config == nil {
		return DefaultLoopConfig()
	}
	cfg := *config
	defaults := DefaultLoopConfig()
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = defaults.MaxSteps
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	if cfg.ThinkingBudgetTokens <= 0 {
		cfg.ThinkingBudgetTokens = defaults.ThinkingBudgetTokens
	}
	if cfg.ExecutorConfig == nil {
		cfg.ExecutorConfig = defaults.ExecutorConfig
	}
	return &cfg
}

// RunRequest is one turn's input.
type RunRequest struct {
	// Model is the resolved backend model identifier.
	Model string

	// SupportsTools and SupportsThinking come from the model resolver.
	SupportsTools    bool
	SupportsThinking bool

	// EnableThinking requests extended reasoning. Rejected with a
	// compatibility error when the model cannot do it.
	EnableThinking bool

	// History is the ordered conversation, newest user turn last.
	History []models.Message

	// Tools carries caller identity into executors.
	Tools ToolContext
}

// Loop drives the step-bounded model/tool interaction for one deployment.
// One Run per in-flight turn; steps within a turn are strictly sequential,
// tool calls within a step run in parallel up to the executor cap.
//
// Per-turn state machine:
//
//	Init ──▶ Stream ──▶ ExecuteTools ──▶ Continue ──▶ Stream ...
//	           │
//	           └──▶ Complete  (no tool calls, or step bound reached)
type Loop struct {
	provider LLMProvider
	registry *Registry
	executor *Executor
	config   *LoopConfig
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewLoop creates a loop. If config is nil, DefaultLoopConfig is used.
// metrics may be nil.
func NewLoop(provider LLMProvider, registry *Registry, config *LoopConfig, logger *observability.Logger, metrics *observability.Metrics) *Loop {
	config = sanitizeLoopConfig(config)
	if registry == nil {
		registry = NewRegistry()
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Loop{
		provider: provider,
		registry: registry,
		executor: NewExecutor(registry, config.ExecutorConfig),
		config:   config,
		logger:   logger,
		metrics:  metrics,
	}
}

// Registry returns the loop's tool registry.
func (l *Loop) Registry() *Registry {
	return l.registry
}

// Run executes one turn and streams transcript mutations through the
// returned channel, which closes on completion or error.
//
// Compatibility is checked before any streaming: a model that cannot call
// tools, or cannot think when thinking was requested, fails fast so the
// caller can answer with a plain error response instead of a broken stream.
func (l *Loop) Run(ctx context.Context, req *RunRequest) (<-chan *ResponseChunk, error) {
	if l.provider == nil {
		return nil, ErrNoProvider
	}
	if req == nil || len(req.History) == 0 {
		return nil, &LoopError{Phase: PhaseInit, Message: "empty conversation"}
	}
	if l.registry.Len() > 0 && !req.SupportsTools {
		return nil, &CompatibilityError{Model: req.Model, Issue: IssueTools}
	}
	if req.EnableThinking && !req.SupportsThinking {
		return nil, &CompatibilityError{Model: req.Model, Issue: IssueThinking}
	}

	chunks := make(chan *ResponseChunk, processBufferSize)

	go func() {
		defer close(chunks)
		l.run(ctx, req, chunks)
	}()

	return chunks, nil
}

type loopState struct {
	phase    LoopPhase
	step     int
	messages []CompletionMessage
	text     string
}

func (l *Loop) run(ctx context.Context, req *RunRequest, chunks chan<- *ResponseChunk) {
	state := &loopState{
		phase:    PhaseInit,
		messages: buildMessages(req.History),
	}

	for state.step < l.config.MaxSteps {
		// Safe point: a cancelled caller stops the turn before the next
		// model call.
		select {
		case <-ctx.Done():
			l.finishTurn("cancelled", state.step)
			chunks <- &ResponseChunk{Error: &LoopError{
				Phase: state.phase,
				Step:  state.step,
				Cause: ctx.Err(),
			}}
			return
		default:
		}

		state.phase = PhaseStream
		toolCalls, err := l.streamStep(ctx, req, state, chunks)
		if err != nil {
			l.finishTurn("error", state.step)
			chunks <- &ResponseChunk{Error: &LoopError{
				Phase: PhaseStream,
				Step:  state.step,
				Cause: err,
			}}
			return
		}

		if len(toolCalls) == 0 {
			state.phase = PhaseComplete
			l.finishTurn("ok", state.step+1)
			chunks <- &ResponseChunk{Done: true}
			return
		}

		state.phase = PhaseExecuteTools
		results := l.executeTools(ctx, req, toolCalls, chunks)

		if ctx.Err() != nil {
			l.finishTurn("cancelled", state.step)
			chunks <- &ResponseChunk{Error: &LoopError{
				Phase: PhaseExecuteTools,
				Step:  state.step,
				Cause: ctx.Err(),
			}}
			return
		}

		state.phase = PhaseContinue
		state.messages = append(state.messages, CompletionMessage{
			Role:      "assistant",
			Content:   state.text,
			ToolCalls: toolCalls,
		})
		state.messages = append(state.messages, CompletionMessage{
			Role:        "tool",
			ToolResults: results,
		})
		state.text = ""

		chunks <- &ResponseChunk{StepDone: true}
		state.step++
	}

	// Step bound reached: the last streamed text stands as the final
	// answer for the turn.
	l.logger.Warn(ctx, "turn hit step bound", "max_steps", l.config.MaxSteps)
	state.phase = PhaseComplete
	l.finishTurn("step_bound", state.step)
	chunks <- &ResponseChunk{Done: true}
}

// streamStep calls the model once and forwards its chunks, collecting any
// tool call requests.
func (l *Loop) streamStep(ctx context.Context, req *RunRequest, state *loopState, chunks chan<- *ResponseChunk) ([]models.ToolCall, error) {
	creq := &CompletionRequest{
		Model:     req.Model,
		System:    l.config.SystemPrompt,
		Messages:  state.messages,
		Tools:     l.registry.Descriptors(),
		MaxTokens: l.config.MaxTokens,
	}
	if req.EnableThinking {
		creq.EnableThinking = true
		creq.ThinkingBudgetTokens = l.config.ThinkingBudgetTokens
	}

	llmStart := time.Now()
	completion, err := l.provider.Complete(ctx, creq)
	if err != nil {
		return nil, err
	}

	var toolCalls []models.ToolCall
	var text strings.Builder

	for chunk := range completion {
		if chunk.Error != nil {
			return nil, chunk.Error
		}

		if chunk.ReasoningStart {
			chunks <- &ResponseChunk{ReasoningStart: true}
		}
		if chunk.Reasoning != "" {
			chunks <- &ResponseChunk{Reasoning: chunk.Reasoning}
		}
		if chunk.ReasoningEnd {
			chunks <- &ResponseChunk{ReasoningEnd: true}
		}

		if chunk.Text != "" {
			text.WriteString(chunk.Text)
			chunks <- &ResponseChunk{Text: chunk.Text}
		}

		if chunk.ToolCallStart != nil {
			chunks <- &ResponseChunk{ToolCallStart: chunk.ToolCallStart}
		}
		if chunk.ToolInputDelta != nil {
			chunks <- &ResponseChunk{ToolInputDelta: chunk.ToolInputDelta}
		}
		if chunk.ToolCall != nil {
			toolCalls = append(toolCalls, *chunk.ToolCall)
			chunks <- &ResponseChunk{ToolCallReady: chunk.ToolCall}
		}

		if chunk.Done && l.metrics != nil {
			l.metrics.LLMRequestDuration.WithLabelValues(l.provider.Name(), req.Model).
				Observe(time.Since(llmStart).Seconds())
			if chunk.InputTokens > 0 {
				l.metrics.LLMTokensUsed.WithLabelValues(l.provider.Name(), req.Model, "prompt").
					Add(float64(chunk.InputTokens))
			}
			if chunk.OutputTokens > 0 {
				l.metrics.LLMTokensUsed.WithLabelValues(l.provider.Name(), req.Model, "completion").
					Add(float64(chunk.OutputTokens))
			}
		}
	}

	state.text = text.String()
	return toolCalls, nil
}

// executeTools runs the step's calls in parallel and emits one finalizing
// result chunk per call, in request order. Failed calls become error
// results; the turn always continues.
func (l *Loop) executeTools(ctx context.Context, req *RunRequest, calls []models.ToolCall, chunks chan<- *ResponseChunk) []models.ToolResult {
	execResults := l.executor.ExecuteAll(ctx, req.Tools, calls)
	results := ResultsToToolResults(execResults)

	for i := range results {
		if results[i].ToolCallID == "" {
			results[i].ToolCallID = calls[i].ID
		}
		if l.metrics != nil {
			status := "success"
			if results[i].IsError {
				status = "error"
			}
			l.metrics.ToolExecutionCounter.WithLabelValues(calls[i].Name, status).Inc()
			if execResults[i] != nil {
				l.metrics.ToolExecutionDuration.WithLabelValues(calls[i].Name).
					Observe(execResults[i].Duration.Seconds())
			}
		}
		if results[i].IsError {
			l.logger.Warn(ctx, "tool execution failed",
				"tool", calls[i].Name, "call_id", calls[i].ID, "error", results[i].ErrorText)
		}
		chunks <- &ResponseChunk{ToolResult: &results[i]}
	}
	return results
}

func (l *Loop) finishTurn(outcome string, steps int) {
	if l.metrics == nil {
		return
	}
	l.metrics.TurnCounter.WithLabelValues(outcome).Inc()
	l.metrics.TurnSteps.Observe(float64(steps))
}

// buildMessages flattens stored messages into provider form. Assistant
// messages with tool parts expand into an assistant message carrying the
// calls followed by a tool message carrying their results.
func buildMessages(history []models.Message) []CompletionMessage {
	out := make([]CompletionMessage, 0, len(history))
	for _, m := range history {
		cm := CompletionMessage{Role: string(m.Role), Content: m.TextContent()}

		var results []models.ToolResult
		for _, p := range m.Parts {
			if !p.IsTool() {
				continue
			}
			cm.ToolCalls = append(cm.ToolCalls, models.ToolCall{
				ID:    p.CallID,
				Name:  p.ToolName,
				Input: p.Input,
			})
			switch p.State {
			case models.ToolOutputAvailable:
				results = append(results, models.ToolResult{
					ToolCallID: p.CallID,
					Output:     p.Output,
				})
			case models.ToolOutputError:
				results = append(results, models.ToolResult{
					ToolCallID: p.CallID,
					ErrorText:  p.ErrorText,
					IsError:    true,
				})
			}
		}

		out = append(out, cm)
		if len(results) > 0 {
			out = append(out, CompletionMessage{Role: "tool", ToolResults: results})
		}
	}
	return out
}
