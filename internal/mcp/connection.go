package mcp

import (
	"context"
	"sync/atomic"
	"time"
)

// Connection is the pool's shared handle to one initialized Client.
// Calls through a Connection are serialized: one request per server is
// in flight at a time, while connections to different servers proceed
// independently.
//
// A call that fails at the transport level (retries exhausted or
// timed out) marks the connection unhealthy; the pool probes it on the
// next GetConnection and replaces it if the probe fails.
type Connection struct {
	server    string
	client    *Client
	createdAt time.Time

	sem       chan struct{}
	unhealthy atomic.Bool
	closed    atomic.Bool
}

func newConnection(server string, client *Client) *Connection {
	return &Connection{
		server:    server,
		client:    client,
		createdAt: time.Now(),
		sem:       make(chan struct{}, 1),
	}
}

// Server returns the pool name of the server.
func (c *Connection) Server() string { return c.server }

// ServerInfo returns the identity the server reported at initialization.
func (c *Connection) ServerInfo() Implementation { return c.client.ServerInfo() }

// CreatedAt returns when the connection was established.
func (c *Connection) CreatedAt() time.Time { return c.createdAt }

// Healthy reports whether the last call succeeded at the transport level.
func (c *Connection) Healthy() bool {
	return !c.unhealthy.Load() && !c.closed.Load()
}

// ListTools returns the (cached) tool list.
func (c *Connection) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()

	tools, err := c.client.ListTools(ctx)
	c.observe(err)
	return tools, err
}

// RefreshTools refetches the tool list. The pool uses it as the health
// probe, so success clears the unhealthy mark.
func (c *Connection) RefreshTools(ctx context.Context) ([]ToolDefinition, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()

	tools, err := c.client.RefreshTools(ctx)
	c.observe(err)
	if err == nil {
		c.unhealthy.Store(false)
	}
	return tools, err
}

// CallTool forwards a tools/call to the server.
func (c *Connection) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()

	out, err := c.client.CallTool(ctx, name, args)
	c.observe(err)
	return out, err
}

func (c *Connection) acquire(ctx context.Context) error {
	if c.closed.Load() {
		return &ConnectionError{Server: c.server, Err: ErrConnectionClosed}
	}
	select {
	case c.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connection) release() { <-c.sem }

func (c *Connection) observe(err error) {
	if err != nil && isTransportFailure(err) {
		c.unhealthy.Store(true)
	}
}

// close shuts the client down. Only the pool closes connections.
func (c *Connection) close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.client.Close()
}
