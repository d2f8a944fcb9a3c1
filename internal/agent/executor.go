package agent

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/finsight-ai/finsight/pkg/models"
)

// ExecutorConfig configures parallel tool execution.
type ExecutorConfig struct {
	// MaxConcurrency limits parallel tool executions within a step.
	// Default: 5
	MaxConcurrency int

	// DefaultTimeout bounds a single tool execution.
	// Default: 60s
	DefaultTimeout time.Duration

	// DefaultRetries is the retry count for retryable errors.
	// Default: 2
	DefaultRetries int

	// RetryBackoff is the initial backoff between retries.
	// Default: 100ms
	RetryBackoff time.Duration

	// MaxRetryBackoff caps the exponential backoff.
	// Default: 5s
	MaxRetryBackoff time.Duration
}

// DefaultExecutorConfig returns the default executor configuration.
func DefaultExecutorConfig() *ExecutorConfig {
	return &ExecutorConfig{
		MaxConcurrency:  5,
		DefaultTimeout:  60 * time.Second,
		DefaultRetries:  2,
		RetryBackoff:    100 * time.Millisecond,
		MaxRetryBackoff: 5 * time.Second,
	}
}

// Executor runs tool calls in parallel with a concurrency cap, per-call
// timeout, retry on retryable failures, and panic recovery. A panicking
// executor never takes the turn down with it.
type Executor struct {
	registry *Registry
	config   *ExecutorConfig
	sem      chan struct{}
}

// NewExecutor creates an executor over the given registry.
func NewExecutor(registry *Registry, config *ExecutorConfig) *Executor {
	if config == nil {
		config = DefaultExecutorConfig()
	}
	if config.MaxConcurrency < 1 {
		config.MaxConcurrency = 1
	}
	return &Executor{
		registry: registry,
		config:   config,
		sem:      make(chan struct{}, config.MaxConcurrency),
	}
}

// ExecutionResult holds the outcome of one tool call.
type ExecutionResult struct {
	ToolCallID string
	ToolName   string
	Result     *models.ToolResult
	Error      error
	Duration   time.Duration
	Attempts   int
}

// ExecuteAll runs the calls in parallel, bounded by MaxConcurrency.
// Results are returned in input order.
func (e *Executor) ExecuteAll(ctx context.Context, tctx ToolContext, calls []models.ToolCall) []*ExecutionResult {
	if len(calls) == 0 {
		return nil
	}

	results := make([]*ExecutionResult, len(calls))
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(idx int, tc models.ToolCall) {
			defer wg.Done()
			results[idx] = e.Execute(ctx, tctx, tc)
		}(i, call)
	}

	wg.Wait()
	return results
}

// Execute runs a single tool call, acquiring a semaphore slot first.
func (e *Executor) Execute(ctx context.Context, tctx ToolContext, call models.ToolCall) *ExecutionResult {
	start := time.Now()
	result := &ExecutionResult{
		ToolCallID: call.ID,
		ToolName:   call.Name,
	}

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		result.Error = NewToolError(call.Name, ctx.Err()).
			WithType(ToolErrorTimeout).
			WithToolCallID(call.ID)
		result.Duration = time.Since(start)
		return result
	}

	timeout := e.config.DefaultTimeout
	maxRetries := e.config.DefaultRetries
	backoff := e.config.RetryBackoff

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		result.Attempts = attempt + 1

		res, err := e.executeWithTimeout(ctx, tctx, call, timeout)
		if err == nil {
			result.Result = res
			result.Duration = time.Since(start)
			return result
		}
		lastErr = err

		if !IsToolRetryable(err) {
			break
		}
		if ctx.Err() != nil {
			break
		}
		if attempt >= maxRetries {
			break
		}

		sleep := backoff * time.Duration(1<<uint(attempt))
		if sleep > e.config.MaxRetryBackoff {
			sleep = e.config.MaxRetryBackoff
		}
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			lastErr = NewToolError(call.Name, ctx.Err()).
				WithType(ToolErrorTimeout).
				WithToolCallID(call.ID)
		}
	}

	result.Error = lastErr
	result.Duration = time.Since(start)
	return result
}

func (e *Executor) executeWithTimeout(ctx context.Context, tctx ToolContext, call models.ToolCall, timeout time.Duration) (*models.ToolResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type execResult struct {
		result *models.ToolResult
		err    error
	}
	resultCh := make(chan execResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				err := NewToolError(call.Name, fmt.Errorf("panic: %v\n%s", r, stack)).
					WithType(ToolErrorPanic).
					WithToolCallID(call.ID)
				resultCh <- execResult{err: err}
			}
		}()

		result, err := e.registry.Execute(execCtx, tctx, call.Name, call.Input)
		if err != nil {
			if _, ok := GetToolError(err); !ok {
				err = NewToolError(call.Name, err).WithToolCallID(call.ID)
			}
			resultCh <- execResult{err: err}
			return
		}
		resultCh <- execResult{result: result}
	}()

	select {
	case res := <-resultCh:
		return res.result, res.err
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return nil, NewToolError(call.Name, ctx.Err()).
				WithType(ToolErrorTimeout).
				WithToolCallID(call.ID).
				WithMessage("context cancelled")
		}
		return nil, NewToolError(call.Name, ErrToolTimeout).
			WithType(ToolErrorTimeout).
			WithToolCallID(call.ID).
			WithMessage(fmt.Sprintf("execution timed out after %s", timeout))
	}
}

// ResultsToToolResults flattens execution results for the transcript,
// converting failures into error results.
func ResultsToToolResults(results []*ExecutionResult) []models.ToolResult {
	out := make([]models.ToolResult, len(results))
	for i, r := range results {
		if r == nil {
			continue
		}
		if r.Error != nil {
			out[i] = models.ToolResult{
				ToolCallID: r.ToolCallID,
				ErrorText:  r.Error.Error(),
				IsError:    true,
			}
		} else if r.Result != nil {
			out[i] = *r.Result
			if out[i].ToolCallID == "" {
				out[i].ToolCallID = r.ToolCallID
			}
		}
	}
	return out
}
