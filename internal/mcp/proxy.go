package mcp

import (
	"context"

	"github.com/nugget/toolrelay/internal/tools"
)

// ProxyTool is a tools.Tool whose execution forwards to a remote
// server's tools/call. It looks the connection up in the pool on every
// call, so a connection replaced after a failed health probe is picked
// up transparently.
type ProxyTool struct {
	pool        *Pool
	server      string
	name        string
	description string
	schema      map[string]any
}

var (
	_ tools.Tool   = (*ProxyTool)(nil)
	_ tools.Hosted = (*ProxyTool)(nil)
)

// NewProxyTool wraps def, served by the pooled server named server.
func NewProxyTool(pool *Pool, server string, def ToolDefinition) *ProxyTool {
	schema := def.InputSchema
	if schema == nil {
		schema = map[string]any{"type": "object"}
	}
	return &ProxyTool{
		pool:        pool,
		server:      server,
		name:        def.Name,
		description: def.Description,
		schema:      schema,
	}
}

// Name returns the name the remote server advertises.
func (t *ProxyTool) Name() string { return t.name }

// Description implements tools.Tool.
func (t *ProxyTool) Description() string { return t.description }

// InputSchema implements tools.Tool.
func (t *ProxyTool) InputSchema() map[string]any { return t.schema }

// Server returns the pool name of the server hosting the tool.
func (t *ProxyTool) Server() string { return t.server }

// Execute forwards the call under the remote tool name, which may
// differ from the name the tool was registered under.
func (t *ProxyTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	conn, err := t.pool.GetConnection(ctx, t.server)
	if err != nil {
		return nil, err
	}
	return conn.CallTool(ctx, t.name, args)
}
