// Package sandbox provides pooled, time-limited code execution for the
// runCode tool.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/finsight-ai/finsight/internal/observability"
)

// Runner executes one snippet inside an isolated workspace.
type Runner interface {
	// Run executes code and returns combined stdout/stderr.
	Run(ctx context.Context, code string) (*ExecResult, error)

	// Teardown releases the workspace. Errors are reported but the
	// runner must not be reused afterwards.
	Teardown() error
}

// ExecResult is the outcome of one execution.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	TimedOut bool   `json:"timed_out,omitempty"`
}

// Factory creates a fresh runner.
type Factory func() (Runner, error)

// PoolConfig configures runner reuse.
type PoolConfig struct {
	// MaxSize bounds concurrently live runners.
	MaxSize int

	// AcquireTimeout bounds the wait for a free slot when the pool is
	// at capacity.
	AcquireTimeout time.Duration
}

// Pool hands out runners with a hard cap on how many exist at once.
type Pool struct {
	factory Factory
	config  PoolConfig
	logger  *observability.Logger

	mu        sync.Mutex
	available chan Runner
	active    int
}

// NewPool creates a pool, applying defaults.
func NewPool(factory Factory, config PoolConfig, logger *observability.Logger) *Pool {
	if config.MaxSize <= 0 {
		config.MaxSize = 4
	}
	if config.AcquireTimeout <= 0 {
		config.AcquireTimeout = 10 * time.Second
	}
	return &Pool{
		factory:   factory,
		config:    config,
		logger:    logger,
		available: make(chan Runner, config.MaxSize),
	}
}

// WithRunner acquires a runner, invokes fn, and guarantees the runner is
// returned or torn down on every exit path including panics. Teardown
// failures are logged and never surfaced to the caller.
func (p *Pool) WithRunner(ctx context.Context, fn func(Runner) error) error {
	runner, err := p.get(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			p.discard(runner)
			panic(r)
		}
	}()

	fnErr := fn(runner)
	if fnErr != nil {
		// A failed run may leave the workspace dirty. Replace it.
		p.discard(runner)
		return fnErr
	}
	p.put(runner)
	return nil
}

func (p *Pool) get(ctx context.Context) (Runner, error) {
	select {
	case runner := <-p.available:
		return runner, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	p.mu.Lock()
	if p.active < p.config.MaxSize {
		p.active++
		p.mu.Unlock()
		runner, err := p.factory()
		if err != nil {
			p.mu.Lock()
			p.active--
			p.mu.Unlock()
			return nil, fmt.Errorf("create sandbox: %w", err)
		}
		return runner, nil
	}
	p.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, p.config.AcquireTimeout)
	defer cancel()
	select {
	case runner := <-p.available:
		return runner, nil
	case <-waitCtx.Done():
		return nil, fmt.Errorf("sandbox pool exhausted: %w", waitCtx.Err())
	}
}

func (p *Pool) put(runner Runner) {
	select {
	case p.available <- runner:
	default:
		p.discard(runner)
	}
}

func (p *Pool) discard(runner Runner) {
	p.mu.Lock()
	p.active--
	p.mu.Unlock()
	if err := runner.Teardown(); err != nil && p.logger != nil {
		p.logger.Warn(context.Background(), "sandbox teardown failed", "error", err)
	}
}

// Close tears down all idle runners.
func (p *Pool) Close() {
	for {
		select {
		case runner := <-p.available:
			p.discard(runner)
		default:
			return
		}
	}
}

// tempWorkspace is a throwaway directory for a runner.
func tempWorkspace() (string, error) {
	return os.MkdirTemp("", "finsight-sandbox-*")
}
