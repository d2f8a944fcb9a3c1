package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/finsight-ai/finsight/internal/agent"
	"github.com/finsight-ai/finsight/pkg/models"
)

// Name is the registry name of the code execution tool.
const Name = "runCode"

// maxCodeBytes rejects pathologically large snippets before they reach a
// runner.
const maxCodeBytes = 32 * 1024

// Params is the tool's validated input.
type Params struct {
	Code string `json:"code"`
}

// Schema describes the tool's input contract.
func Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"code": {
				"type": "string",
				"description": "Python source to execute. Print results to stdout."
			}
		},
		"required": ["code"],
		"additionalProperties": false
	}`)
}

// Tool runs model-authored code in a pooled sandbox.
type Tool struct {
	pool *Pool
}

// NewTool wraps a pool as a registry tool.
func NewTool(pool *Pool) *Tool {
	return &Tool{pool: pool}
}

// Register adds the tool to a registry.
func (t *Tool) Register(registry *agent.Registry) error {
	return registry.Register(Name,
		"Execute Python code in an isolated sandbox for calculations and data analysis. Returns stdout, stderr, and the exit code.",
		Schema(), t.Execute)
}

// Execute runs one snippet.
func (t *Tool) Execute(ctx context.Context, tctx agent.ToolContext, input json.RawMessage) (*models.ToolResult, error) {
	var params Params
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid code input: %w", err)
	}
	if strings.TrimSpace(params.Code) == "" {
		return nil, fmt.Errorf("code must not be empty")
	}
	if len(params.Code) > maxCodeBytes {
		return nil, fmt.Errorf("code exceeds %d byte limit", maxCodeBytes)
	}

	var result *ExecResult
	err := t.pool.WithRunner(ctx, func(runner Runner) error {
		var runErr error
		result, runErr = runner.Run(ctx, params.Code)
		return runErr
	})
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode execution result: %w", err)
	}
	if result.TimedOut {
		return &models.ToolResult{Output: payload, ErrorText: "execution timed out", IsError: true}, nil
	}
	return &models.ToolResult{Output: payload}, nil
}
