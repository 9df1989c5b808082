package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/nugget/toolrelay/internal/events"
	"github.com/nugget/toolrelay/internal/tools"
)

// sanitizeRe matches characters that are not lowercase alphanumeric or underscore.
var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]`)

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithRetractOnDisconnect makes DisconnectServer unregister the tools
// that were bridged from the server. By default they stay registered
// and fail at call time.
func WithRetractOnDisconnect(retract bool) BridgeOption {
	return func(b *Bridge) { b.retract = retract }
}

// WithBridgeEventBus publishes a tools_bridged event per bridged server.
func WithBridgeEventBus(bus *events.Bus) BridgeOption {
	return func(b *Bridge) { b.bus = bus }
}

// Bridge discovers tools on pooled MCP servers and registers a
// ProxyTool for each in a tools.Registry.
type Bridge struct {
	pool     *Pool
	registry *tools.Registry
	logger   *slog.Logger
	retract  bool
	bus      *events.Bus
}

// NewBridge creates a bridge that registers into registry.
func NewBridge(pool *Pool, registry *tools.Registry, logger *slog.Logger, opts ...BridgeOption) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		pool:     pool,
		registry: registry,
		logger:   logger,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Registry returns the live registry the bridge registers into.
func (b *Bridge) Registry() *tools.Registry {
	return b.registry
}

// ConnectServer bridges the server at rawURL, registering it in the
// pool under its URL first. It returns the number of tools registered.
func (b *Bridge) ConnectServer(ctx context.Context, rawURL string) (int, error) {
	cfg, ok := b.pool.ServerConfig(rawURL)
	if !ok {
		cfg = ServerConfig{Name: rawURL, URL: rawURL}
	}
	if err := b.pool.RegisterServer(cfg); err != nil {
		return 0, err
	}
	return b.BridgeServer(ctx, rawURL)
}

// BridgeServer lists the tools of the registered server name and
// registers a proxy for each one that passes the server's include and
// exclude filters. Tools are registered with the server's label as
// their origin, which also prefixes renamed tools on collision.
func (b *Bridge) BridgeServer(ctx context.Context, name string) (int, error) {
	conn, err := b.pool.GetConnection(ctx, name)
	if err != nil {
		return 0, err
	}

	defs, err := conn.ListTools(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tools from %s: %w", name, err)
	}

	cfg, _ := b.pool.ServerConfig(name)
	includeSet := toSet(cfg.IncludeTools)
	excludeSet := toSet(cfg.ExcludeTools)
	origin := ServerLabel(name)

	count := 0
	for _, td := range defs {
		if len(includeSet) > 0 {
			if !includeSet[td.Name] {
				continue
			}
		} else if excludeSet[td.Name] {
			continue
		}

		registered, err := b.registry.Register(NewProxyTool(b.pool, name, td), origin)
		if err != nil {
			b.logger.Warn("skipping MCP tool", "mcp_server", name, "mcp_name", td.Name, "error", err)
			continue
		}
		count++

		b.logger.Debug("bridged MCP tool",
			"mcp_name", td.Name,
			"registered_as", registered,
			"mcp_server", name,
		)
	}

	b.logger.Info("bridged MCP tools", "mcp_server", name, "count", count, "available", len(defs))
	b.bus.Publish(events.Event{
		Source: events.SourceBridge,
		Kind:   events.KindToolsBridged,
		Data:   map[string]any{"server": name, "count": count},
	})
	return count, nil
}

// DisconnectServer closes the pooled connection for rawURL (or any
// registered server name). Tools bridged from it remain registered
// unless the bridge retracts on disconnect; their calls then fail with
// a connection error.
func (b *Bridge) DisconnectServer(rawURL string) error {
	err := b.pool.CloseConnection(rawURL)
	if b.retract {
		n := b.registry.UnregisterServer(rawURL)
		b.logger.Info("retracted MCP tools", "mcp_server", rawURL, "count", n)
	}
	return err
}

// ServerLabel derives the registry origin for a server name: the host
// and path for URLs, the name itself otherwise, sanitized to lowercase
// alphanumerics and underscores.
func ServerLabel(name string) string {
	label := name
	if u, err := url.Parse(name); err == nil && u.Scheme != "" && u.Host != "" {
		label = u.Host + u.Path
	}
	if s := sanitize(label); s != "" {
		return s
	}
	return "remote"
}

// sanitize converts a name to lowercase and replaces non-alphanumeric
// characters (except underscore) with underscores. Consecutive
// underscores are collapsed and leading/trailing underscores are trimmed.
func sanitize(name string) string {
	s := strings.ToLower(name)
	s = strings.ReplaceAll(s, "-", "_")
	s = sanitizeRe.ReplaceAllString(s, "_")

	// Collapse consecutive underscores.
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}

	return strings.Trim(s, "_")
}

// toSet converts a string slice to a set for O(1) lookups.
func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}
