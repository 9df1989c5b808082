// Package tools provides the tool registry and execution framework.
//
// A Tool is anything the agent can call by name: a LocalTool backed by
// a Go function, or a proxy that forwards to a remote MCP server. The
// Registry maps names to tools and the Executor validates arguments and
// dispatches calls.
package tools

import "context"

// Tool is the capability set every callable tool implements.
type Tool interface {
	// Name is the name the tool advertises. The registry may register
	// it under a different name when it collides with an existing tool.
	Name() string
	Description() string
	// InputSchema is the JSON Schema for the tool's arguments.
	InputSchema() map[string]any
	// Execute runs the tool. The returned value must be JSON-encodable.
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// Handler is the function signature backing a LocalTool.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// LocalTool is a Tool implemented in-process.
type LocalTool struct {
	name        string
	description string
	schema      map[string]any
	handler     Handler
}

// NewLocalTool creates a tool backed by handler. A nil schema is
// treated as an object schema with no required fields.
func NewLocalTool(name, description string, schema map[string]any, handler Handler) *LocalTool {
	if schema == nil {
		schema = map[string]any{"type": "object"}
	}
	return &LocalTool{
		name:        name,
		description: description,
		schema:      schema,
		handler:     handler,
	}
}

// Name implements Tool.
func (t *LocalTool) Name() string { return t.name }

// Description implements Tool.
func (t *LocalTool) Description() string { return t.description }

// InputSchema implements Tool.
func (t *LocalTool) InputSchema() map[string]any { return t.schema }

// Execute implements Tool.
func (t *LocalTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	return t.handler(ctx, args)
}

// ToolInfo is the description of a registered tool handed to LLM
// adapters.
type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
	// Origin is the server the tool was discovered from, or "local".
	Origin string `json:"origin"`
}

// ToolCall is one requested invocation, typically from a single LLM turn.
type ToolCall struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Args any    `json:"args"`
}

// ToolResult is the outcome of exactly one ToolCall. When Err is set,
// Result is nil.
type ToolResult struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Result any    `json:"result"`
	Error  string `json:"error,omitempty"`
	// Err is the typed error for callers that branch on the kind.
	Err error `json:"-"`
}
