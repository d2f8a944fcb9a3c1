package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/finsight-ai/finsight/pkg/models"
)

// Tool parameter limits to prevent resource exhaustion
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolInputSize is the maximum size of tool input JSON (10MB).
	MaxToolInputSize = 10 << 20
)

// ToolContext carries caller identity into tool executors.
type ToolContext struct {
	UserID    string
	SessionID string

	// DelegatedCredential is an upstream access token forwarded to tool
	// backends on behalf of the caller.
	DelegatedCredential string
}

// ExecutorFunc runs a tool with schema-validated input. The returned
// result may itself carry IsError for domain-level failures; a returned
// error is treated the same way by the loop.
type ExecutorFunc func(ctx context.Context, tctx ToolContext, input json.RawMessage) (*models.ToolResult, error)

type registeredTool struct {
	name        string
	description string
	schema      json.RawMessage
	compiled    *jsonschema.Schema
	run         ExecutorFunc
}

// Registry maps tool names to their input contract and executor. It is
// safe for concurrent use. Executor failures never escape Execute as a
// panic; the loop converts them into output-error parts.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registeredTool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*registeredTool)}
}

// Register adds a tool. The schema must be a valid JSON Schema document;
// it is compiled once here and every input is validated against it before
// the executor runs. Registering an existing name replaces it.
func (r *Registry) Register(name, description string, schema json.RawMessage, run ExecutorFunc) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("tool name is required")
	}
	if len(name) > MaxToolNameLength {
		return fmt.Errorf("tool name exceeds maximum length of %d", MaxToolNameLength)
	}
	if run == nil {
		return fmt.Errorf("tool %s: executor is required", name)
	}

	compiler := jsonschema.NewCompiler()
	url := "inmemory://" + name + ".json"
	if err := compiler.AddResource(url, strings.NewReader(string(schema))); err != nil {
		return fmt.Errorf("tool %s: invalid schema: %w", name, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("tool %s: invalid schema: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = &registeredTool{
		name:        name,
		description: description,
		schema:      schema,
		compiled:    compiled,
		run:         run,
	}
	return nil
}

// Has reports whether a tool with the given name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Descriptors returns all registered tools for advertising to providers.
func (r *Registry) Descriptors() []ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolDescriptor, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, ToolDescriptor{
			Name:        t.name,
			Description: t.description,
			Schema:      t.schema,
		})
	}
	return out
}

// Execute validates input against the tool's schema and runs its executor.
// Missing tools and validation failures come back as error results, not
// Go errors, so the loop records them inline and keeps going.
func (r *Registry) Execute(ctx context.Context, tctx ToolContext, name string, input json.RawMessage) (*models.ToolResult, error) {
	if len(input) > MaxToolInputSize {
		return &models.ToolResult{
			ErrorText: fmt.Sprintf("tool input exceeds maximum size of %d bytes", MaxToolInputSize),
			IsError:   true,
		}, nil
	}

	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return &models.ToolResult{
			ErrorText: "tool not found: " + name,
			IsError:   true,
		}, nil
	}

	if err := validateInput(tool.compiled, input); err != nil {
		return nil, NewToolError(name, err).WithType(ToolErrorInvalidInput)
	}

	return tool.run(ctx, tctx, input)
}

func validateInput(schema *jsonschema.Schema, input json.RawMessage) error {
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	var value any
	if err := json.Unmarshal(input, &value); err != nil {
		return fmt.Errorf("input is not valid JSON: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("input validation failed: %w", err)
	}
	return nil
}
