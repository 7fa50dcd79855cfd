package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	apperrors "github.com/yanqian/ragserver/pkg/errors"
)

// Descriptor advertises a callable tool to the completion provider.
type Descriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"inputSchema"`
	CostHint    string         `json:"costHint,omitempty"`
}

// Handler executes a tool with validated arguments.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool pairs a descriptor with its handler.
type Tool struct {
	Descriptor Descriptor
	Handler    Handler
}

type compiledTool struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry is the in-process MCP-style tool registry. Invocations are
// synchronous; concurrency is the caller's choice.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*compiledTool
	logger *slog.Logger
}

// NewRegistry constructs an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]*compiledTool),
		logger: logger.With("component", "tools.registry"),
	}
}

// Register compiles the argument schema and exposes the tool.
func (r *Registry) Register(tool Tool) error {
	if tool.Descriptor.Name == "" {
		return apperrors.New(apperrors.KindValidation, "invalid_tool", "tool name cannot be empty")
	}
	var schema *jsonschema.Schema
	if tool.Descriptor.Schema != nil {
		compiler := jsonschema.NewCompiler()
		resource := tool.Descriptor.Name + ".schema.json"
		if err := compiler.AddResource(resource, tool.Descriptor.Schema); err != nil {
			return fmt.Errorf("add schema resource: %w", err)
		}
		compiled, err := compiler.Compile(resource)
		if err != nil {
			return fmt.Errorf("compile tool schema: %w", err)
		}
		schema = compiled
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Descriptor.Name] = &compiledTool{tool: tool, schema: schema}
	return nil
}

// List enumerates descriptors in a stable order.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.tool.Descriptor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke validates arguments against the tool schema and executes the handler
// under the given deadline.
func (r *Registry) Invoke(ctx context.Context, name string, arguments json.RawMessage, deadline time.Duration) (json.RawMessage, error) {
	r.mu.RLock()
	entry, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, apperrors.New(apperrors.KindNotFound, "tool_not_found", fmt.Sprintf("unknown tool %q", name))
	}

	args := map[string]any{}
	if len(arguments) > 0 {
		var doc any
		if err := json.Unmarshal(arguments, &doc); err != nil {
			return nil, apperrors.Wrap(apperrors.KindValidation, "invalid_arguments", "tool arguments are not valid JSON", err)
		}
		if entry.schema != nil {
			if err := entry.schema.Validate(doc); err != nil {
				return nil, apperrors.Wrap(apperrors.KindValidation, "invalid_arguments", "tool arguments failed schema validation", err)
			}
		}
		if typed, ok := doc.(map[string]any); ok {
			args = typed
		}
	}

	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := time.Now()
	result, err := entry.tool.Handler(callCtx, args)
	elapsed := time.Since(start)
	if err != nil {
		r.logger.Warn("tool invocation failed", "tool", name, "duration_ms", elapsed.Milliseconds(), "error", err)
		return nil, err
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "tool_result_encoding", "failed to encode tool result", err)
	}
	r.logger.Debug("tool invoked", "tool", name, "duration_ms", elapsed.Milliseconds())
	return encoded, nil
}
