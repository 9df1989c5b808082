package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
)

// Transport is the interface for MCP server communication.
// Implementations handle framing and encoding, and guarantee that each
// Send yields the response to that request and no other (by serializing
// sends or by correlating strictly on the request ID).
type Transport interface {
	// Send sends a JSON-RPC request and returns the matching response.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify sends a JSON-RPC notification (no response expected).
	Notify(ctx context.Context, notif *Notification) error

	// Close shuts down the transport and releases resources.
	// For stdio transports this terminates the subprocess.
	Close() error
}

// ServerConfig describes how to reach one MCP server. Exactly one of
// Command or URL is set.
type ServerConfig struct {
	Name string

	// Stdio servers.
	Command    string
	Args       []string
	WorkingDir string
	Env        map[string]string

	// HTTP (http, https) or WebSocket (ws, wss) servers.
	URL                string
	Headers            map[string]string
	InsecureSkipVerify bool

	// IncludeTools and ExcludeTools filter which tools the bridge
	// registers. Include wins when both are set.
	IncludeTools []string
	ExcludeTools []string
}

// TransportFactory builds the transport for a server configuration.
type TransportFactory func(cfg ServerConfig, logger *slog.Logger) (Transport, error)

// NewTransport selects a transport from cfg: a command runs a stdio
// subprocess; an http(s) URL uses HTTP POST; a ws(s) URL uses a
// WebSocket.
func NewTransport(cfg ServerConfig, logger *slog.Logger) (Transport, error) {
	if cfg.Command != "" && cfg.URL != "" {
		return nil, fmt.Errorf("server %q: command and url are mutually exclusive", cfg.Name)
	}
	if cfg.Command != "" {
		return NewStdioTransport(StdioConfig{
			Command:    cfg.Command,
			Args:       cfg.Args,
			WorkingDir: cfg.WorkingDir,
			Env:        cfg.Env,
			Logger:     logger,
		}), nil
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("server %q: command or url is required", cfg.Name)
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("server %q: parse url: %w", cfg.Name, err)
	}
	switch u.Scheme {
	case "http", "https":
		return NewHTTPTransport(HTTPConfig{
			URL:                cfg.URL,
			Headers:            cfg.Headers,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			Logger:             logger,
		}), nil
	case "ws", "wss":
		return NewWebSocketTransport(WebSocketConfig{
			URL:                cfg.URL,
			Headers:            cfg.Headers,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			Logger:             logger,
		}), nil
	default:
		return nil, fmt.Errorf("server %q: unsupported url scheme %q", cfg.Name, u.Scheme)
	}
}
