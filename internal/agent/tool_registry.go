package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool argument limits to prevent resource exhaustion.
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool arguments JSON (1MB).
	MaxToolParamsSize = 1 << 20
)

type registeredTool struct {
	tool   Tool
	schema *jsonschema.Schema
}

// ToolRegistry maps tool names to tools and their compiled argument schemas.
// It is populated at startup and shared read-only across sessions.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]registeredTool
}

// NewToolRegistry creates a new empty tool registry ready for tool registration.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]registeredTool),
	}
}

// Register adds a tool, compiling its argument schema. A tool with the same
// name is replaced.
func (r *ToolRegistry) Register(tool Tool) error {
	name := tool.Name()
	if name == "" || len(name) > MaxToolNameLength {
		return fmt.Errorf("invalid tool name %q", name)
	}
	var compiled *jsonschema.Schema
	if raw := tool.Schema(); len(bytes.TrimSpace(raw)) > 0 {
		var err error
		compiled, err = jsonschema.CompileString("tool_"+name+".json", string(raw))
		if err != nil {
			return fmt.Errorf("compile schema for %s: %w", name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = registeredTool{tool: tool, schema: compiled}
	return nil
}

// MustRegister is Register for static wiring; it panics on schema errors.
func (r *ToolRegistry) MustRegister(tool Tool) {
	if err := r.Register(tool); err != nil {
		panic(err)
	}
}

// Resolve looks a tool up by name.
func (r *ToolRegistry) Resolve(name string) (Tool, error) {
	r.mu.RLock()
	entry, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, NewToolError(ToolErrorNotFound, name, fmt.Errorf("%w: %s", ErrToolNotFound, name))
	}
	return entry.tool, nil
}

// Invoke validates args against the tool's schema and executes it.
//
// Argument failures are reported as ToolErrorInvalidInput, execution failures
// (a returned error or a result flagged IsError) as ToolErrorExecution.
func (r *ToolRegistry) Invoke(ctx context.Context, tool Tool, args json.RawMessage) (*ToolResult, error) {
	name := tool.Name()
	if len(args) > MaxToolParamsSize {
		return nil, NewToolError(ToolErrorInvalidInput, name,
			fmt.Errorf("arguments exceed maximum size of %d bytes", MaxToolParamsSize))
	}
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage(`{}`)
	}

	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return nil, NewToolError(ToolErrorInvalidInput, name, fmt.Errorf("parse arguments: %w", err))
	}

	r.mu.RLock()
	entry, ok := r.tools[name]
	r.mu.RUnlock()
	if ok && entry.schema != nil {
		if err := entry.schema.Validate(decoded); err != nil {
			return nil, NewToolError(ToolErrorInvalidInput, name, fmt.Errorf("validate arguments: %w", err))
		}
	}

	result, err := tool.Execute(ctx, args)
	if err != nil {
		return nil, NewToolError("", name, err)
	}
	if result == nil {
		return nil, NewToolError(ToolErrorExecution, name, fmt.Errorf("tool returned no result"))
	}
	if result.IsError {
		return result, NewToolError(ToolErrorExecution, name, fmt.Errorf("%s", result.Content))
	}
	if !json.Valid([]byte(result.Content)) {
		payload, err := json.Marshal(result.Content)
		if err != nil {
			return nil, NewToolError(ToolErrorExecution, name, err)
		}
		result.Content = string(payload)
	}
	return result, nil
}

// Tools returns all registered tools sorted by name.
func (r *ToolRegistry) Tools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]Tool, 0, len(r.tools))
	for _, entry := range r.tools {
		tools = append(tools, entry.tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })
	return tools
}
