package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/toolrelay/internal/buildinfo"
	"github.com/nugget/toolrelay/internal/config"
)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithMaxAttempts sets how many times a request is attempted when the
// transport fails (default 3). Values below 1 are treated as 1.
func WithMaxAttempts(n int) ClientOption {
	return func(c *Client) {
		if n < 1 {
			n = 1
		}
		c.maxAttempts = n
	}
}

// WithDelayStrategy sets the wait between retries (default: a fixed
// one-second delay).
func WithDelayStrategy(d DelayStrategy) ClientOption {
	return func(c *Client) {
		if d != nil {
			c.delay = d
		}
	}
}

// WithRequestTimeout bounds each request attempt. An attempt that gets
// no response in time fails with ErrTimeout. Zero disables the timeout.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.requestTimeout = d }
}

// Client speaks MCP to a single server over one Transport. It assigns
// request IDs, retries transport failures and caches the tool list.
type Client struct {
	name           string
	transport      Transport
	logger         *slog.Logger
	maxAttempts    int
	delay          DelayStrategy
	requestTimeout time.Duration

	nextID atomic.Int64

	mu          sync.RWMutex
	initialized bool
	serverInfo  Implementation
	tools       []ToolDefinition
	toolsCached bool
}

// NewClient creates an MCP client for the named server. The transport
// determines how messages are delivered.
func NewClient(name string, transport Transport, logger *slog.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		name:        name,
		transport:   transport,
		logger:      logger.With("mcp_server", name),
		maxAttempts: DefaultMaxAttempts,
		delay:       FixedDelay(DefaultRetryDelay),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Name returns the server name this client is connected to.
func (c *Client) Name() string {
	return c.name
}

// ServerInfo returns the identity the server reported in Initialize.
func (c *Client) ServerInfo() Implementation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// Initialize performs the MCP handshake: sends an initialize request
// and then the notifications/initialized notification. It must succeed
// before any other call.
func (c *Client) Initialize(ctx context.Context) (*InitializeResult, error) {
	params := InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo: Implementation{
			Name:    buildinfo.ClientName,
			Version: buildinfo.Version,
		},
	}

	raw, err := c.send(ctx, methodInitialize, params)
	if err != nil {
		return nil, err
	}

	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &Error{Server: c.name, Method: methodInitialize, Err: fmt.Errorf("%w: %v", ErrMalformedResponse, err)}
	}

	if err := c.transport.Notify(ctx, NewNotification(methodInitialized, nil)); err != nil {
		return nil, fmt.Errorf("send initialized notification: %w", err)
	}

	c.mu.Lock()
	c.initialized = true
	c.serverInfo = result.ServerInfo
	c.mu.Unlock()

	c.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)
	return &result, nil
}

// ListTools returns the server's tools. The first call issues
// tools/list; later calls are served from the cache until ClearCache.
// The returned slice is the caller's own.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	c.mu.RLock()
	if c.toolsCached {
		defer c.mu.RUnlock()
		return slices.Clone(c.tools), nil
	}
	c.mu.RUnlock()

	return c.RefreshTools(ctx)
}

// RefreshTools issues tools/list regardless of the cache and stores
// the result.
func (c *Client) RefreshTools(ctx context.Context) ([]ToolDefinition, error) {
	if err := c.requireInitialized(methodToolsList); err != nil {
		return nil, err
	}

	raw, err := c.send(ctx, methodToolsList, nil)
	if err != nil {
		return nil, err
	}

	var result toolsListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &Error{Server: c.name, Method: methodToolsList, Err: fmt.Errorf("%w: %v", ErrMalformedResponse, err)}
	}
	if result.Tools == nil {
		result.Tools = []ToolDefinition{}
	}

	c.mu.Lock()
	c.tools = result.Tools
	c.toolsCached = true
	c.mu.Unlock()

	c.logger.Debug("discovered MCP tools", "count", len(result.Tools))
	return slices.Clone(result.Tools), nil
}

// ClearCache drops the cached tool list so the next ListTools refetches.
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.tools = nil
	c.toolsCached = false
	c.mu.Unlock()
}

// CallTool invokes a tool by name. When the result carries a text
// content block the first one is returned as a string; otherwise the
// decoded result object is returned. A result flagged isError becomes
// a *ToolError.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	if err := c.requireInitialized(methodToolsCall); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}

	raw, err := c.send(ctx, methodToolsCall, CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}

	var result callToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		// Not an object: hand back whatever the server sent.
		var v any
		if jerr := json.Unmarshal(raw, &v); jerr != nil {
			return nil, &Error{Server: c.name, Method: methodToolsCall, Err: fmt.Errorf("%w: %v", ErrMalformedResponse, jerr)}
		}
		return v, nil
	}

	text, hasText := result.firstText()
	if result.IsError {
		return nil, &Error{Server: c.name, Method: methodToolsCall, Err: &ToolError{Tool: name, Message: text}}
	}
	if hasText {
		return text, nil
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, &Error{Server: c.name, Method: methodToolsCall, Err: fmt.Errorf("%w: %v", ErrMalformedResponse, err)}
	}
	return v, nil
}

// Close shuts down the client and its transport.
func (c *Client) Close() error {
	c.logger.Info("closing MCP client")
	return c.transport.Close()
}

func (c *Client) requireInitialized(method string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.initialized {
		return &Error{Server: c.name, Method: method, Err: ErrNotInitialized}
	}
	return nil
}

// send issues a request, retrying transport failures with the
// configured delay strategy. A JSON-RPC error object, a malformed
// response or a timeout ends the call immediately; only failures to
// complete the exchange at all are retried. Each attempt gets a fresh ID.
func (c *Client) send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			wait := c.delay.Next(attempt - 1)
			c.logger.Debug("retrying MCP request",
				"method", method,
				"attempt", attempt,
				"delay", wait,
			)
			if !sleepCtx(ctx, wait) {
				return nil, fmt.Errorf("mcp %s: %s: %w", c.name, method, ctx.Err())
			}
		}

		resp, err := c.roundTrip(ctx, method, params)
		if err == nil {
			if resp.Error != nil {
				return nil, &Error{Server: c.name, Method: method, Err: resp.Error}
			}
			if len(resp.Result) == 0 {
				return nil, &Error{Server: c.name, Method: method, Err: ErrMissingResult}
			}
			return resp.Result, nil
		}

		switch {
		case errors.Is(err, ErrTimeout):
			return nil, fmt.Errorf("mcp %s: %s: %w", c.name, method, err)
		case errors.Is(err, ErrMalformedResponse):
			return nil, &Error{Server: c.name, Method: method, Err: err}
		case ctx.Err() != nil:
			return nil, fmt.Errorf("mcp %s: %s: %w", c.name, method, ctx.Err())
		case errors.Is(err, ErrConnectionClosed):
			return nil, &ConnectionError{Server: c.name, Attempts: attempt, Err: err}
		}

		lastErr = err
		c.logger.Warn("MCP transport failure",
			"method", method,
			"attempt", attempt,
			"max_attempts", c.maxAttempts,
			"error", err,
		)
	}

	return nil, &ConnectionError{Server: c.name, Attempts: c.maxAttempts, Err: lastErr}
}

// roundTrip performs one attempt with a new request ID.
func (c *Client) roundTrip(ctx context.Context, method string, params any) (*Response, error) {
	req := NewRequest(c.nextID.Add(1), method, params)
	c.logger.Log(ctx, config.LevelTrace, "MCP request", "id", req.ID, "method", method, "params", params)

	attemptCtx := ctx
	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	resp, err := c.transport.Send(attemptCtx, req)
	if err != nil {
		if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, c.requestTimeout)
		}
		return nil, err
	}

	if c.logger.Enabled(ctx, config.LevelTrace) {
		if resp.Error != nil {
			c.logger.Log(ctx, config.LevelTrace, "MCP response", "id", resp.ID, "error", resp.Error.Error())
		} else {
			c.logger.Log(ctx, config.LevelTrace, "MCP response", "id", resp.ID, "result", string(resp.Result))
		}
	}
	if err := checkAnswers(resp, req.ID); err != nil {
		return nil, err
	}
	return resp, nil
}
