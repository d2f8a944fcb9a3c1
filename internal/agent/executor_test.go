package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/finsight-ai/finsight/pkg/models"
)

func registerFunc(t *testing.T, reg *Registry, name string, fn ExecutorFunc) {
	t.Helper()
	if err := reg.Register(name, "test tool", json.RawMessage(`{"type":"object"}`), fn); err != nil {
		t.Fatalf("Register(%s) error = %v", name, err)
	}
}

func TestExecuteAllPreservesOrder(t *testing.T) {
	reg := NewRegistry()
	registerFunc(t, reg, "slow", func(ctx context.Context, tctx ToolContext, input json.RawMessage) (*models.ToolResult, error) {
		time.Sleep(50 * time.Millisecond)
		return &models.ToolResult{Output: json.RawMessage(`"slow"`)}, nil
	})
	registerFunc(t, reg, "fast", func(ctx context.Context, tctx ToolContext, input json.RawMessage) (*models.ToolResult, error) {
		return &models.ToolResult{Output: json.RawMessage(`"fast"`)}, nil
	})

	e := NewExecutor(reg, nil)
	calls := []models.ToolCall{
		{ID: "c1", Name: "slow"},
		{ID: "c2", Name: "fast"},
		{ID: "c3", Name: "slow"},
	}
	results := e.ExecuteAll(context.Background(), ToolContext{}, calls)

	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(results))
	}
	for i, r := range results {
		if r.ToolCallID != calls[i].ID {
			t.Errorf("results[%d].ToolCallID = %s, want %s", i, r.ToolCallID, calls[i].ID)
		}
		if r.Error != nil {
			t.Errorf("results[%d] error = %v", i, r.Error)
		}
	}
}

func TestExecuteConcurrencyCap(t *testing.T) {
	reg := NewRegistry()
	var active, peak int64
	registerFunc(t, reg, "busy", func(ctx context.Context, tctx ToolContext, input json.RawMessage) (*models.ToolResult, error) {
		cur := atomic.AddInt64(&active, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if cur <= p || atomic.CompareAndSwapInt64(&peak, p, cur) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt64(&active, -1)
		return &models.ToolResult{Output: json.RawMessage(`{}`)}, nil
	})

	cfg := DefaultExecutorConfig()
	cfg.MaxConcurrency = 2
	e := NewExecutor(reg, cfg)

	calls := make([]models.ToolCall, 8)
	for i := range calls {
		calls[i] = models.ToolCall{ID: fmt.Sprintf("c%d", i), Name: "busy"}
	}
	e.ExecuteAll(context.Background(), ToolContext{}, calls)

	if got := atomic.LoadInt64(&peak); got > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", got)
	}
}

func TestExecutePanicRecovered(t *testing.T) {
	reg := NewRegistry()
	registerFunc(t, reg, "boom", func(ctx context.Context, tctx ToolContext, input json.RawMessage) (*models.ToolResult, error) {
		panic("kaboom")
	})

	e := NewExecutor(reg, nil)
	result := e.Execute(context.Background(), ToolContext{}, models.ToolCall{ID: "c1", Name: "boom"})

	if result.Error == nil {
		t.Fatal("panicking tool returned no error")
	}
	toolErr, ok := GetToolError(result.Error)
	if !ok || toolErr.Type != ToolErrorPanic {
		t.Errorf("error = %v, want panic tool error", result.Error)
	}
}

func TestExecuteTimeout(t *testing.T) {
	reg := NewRegistry()
	registerFunc(t, reg, "stuck", func(ctx context.Context, tctx ToolContext, input json.RawMessage) (*models.ToolResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	cfg := DefaultExecutorConfig()
	cfg.DefaultTimeout = 30 * time.Millisecond
	cfg.DefaultRetries = 0
	e := NewExecutor(reg, cfg)

	result := e.Execute(context.Background(), ToolContext{}, models.ToolCall{ID: "c1", Name: "stuck"})
	if result.Error == nil {
		t.Fatal("stuck tool returned no error")
	}
	toolErr, ok := GetToolError(result.Error)
	if !ok || toolErr.Type != ToolErrorTimeout {
		t.Errorf("error = %v, want timeout tool error", result.Error)
	}
}

func TestExecuteRetriesRetryableErrors(t *testing.T) {
	reg := NewRegistry()
	var mu sync.Mutex
	attempts := 0
	registerFunc(t, reg, "flaky", func(ctx context.Context, tctx ToolContext, input json.RawMessage) (*models.ToolResult, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			return nil, errors.New("connection refused")
		}
		return &models.ToolResult{Output: json.RawMessage(`{}`)}, nil
	})

	cfg := DefaultExecutorConfig()
	cfg.RetryBackoff = time.Millisecond
	e := NewExecutor(reg, cfg)

	result := e.Execute(context.Background(), ToolContext{}, models.ToolCall{ID: "c1", Name: "flaky"})
	if result.Error != nil {
		t.Fatalf("Execute() error = %v after retries", result.Error)
	}
	if result.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", result.Attempts)
	}
}

func TestExecuteDoesNotRetryInvalidInput(t *testing.T) {
	reg := NewRegistry()
	var mu sync.Mutex
	attempts := 0
	registerFunc(t, reg, "strict", func(ctx context.Context, tctx ToolContext, input json.RawMessage) (*models.ToolResult, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		return nil, NewToolError("strict", errors.New("missing field")).WithType(ToolErrorInvalidInput)
	})

	e := NewExecutor(reg, nil)
	result := e.Execute(context.Background(), ToolContext{}, models.ToolCall{ID: "c1", Name: "strict"})
	if result.Error == nil {
		t.Fatal("expected error")
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retry)", attempts)
	}
}

func TestResultsToToolResults(t *testing.T) {
	in := []*ExecutionResult{
		{ToolCallID: "c1", Result: &models.ToolResult{ToolCallID: "c1", Output: json.RawMessage(`1`)}},
		{ToolCallID: "c2", Error: errors.New("failed")},
	}
	out := ResultsToToolResults(in)
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
	if out[0].IsError || string(out[0].Output) != "1" {
		t.Errorf("out[0] = %+v", out[0])
	}
	if !out[1].IsError || out[1].ErrorText == "" || out[1].ToolCallID != "c2" {
		t.Errorf("out[1] = %+v", out[1])
	}
}
