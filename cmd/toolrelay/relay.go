package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nugget/toolrelay/internal/buildinfo"
	"github.com/nugget/toolrelay/internal/calllog"
	"github.com/nugget/toolrelay/internal/config"
	"github.com/nugget/toolrelay/internal/connwatch"
	"github.com/nugget/toolrelay/internal/events"
	"github.com/nugget/toolrelay/internal/mcp"
	"github.com/nugget/toolrelay/internal/tools"
)

// relay holds the components every subcommand that touches servers
// needs: the connection pool, the registry the bridge fills, and the
// executor that runs calls against it.
type relay struct {
	cfg      *config.Config
	logger   *slog.Logger
	pool     *mcp.Pool
	bridge   *mcp.Bridge
	executor *tools.Executor
	store    *calllog.Store // nil when the call log is disabled
}

// newRelay builds the pool, bridge and executor from cfg and registers
// every configured server and bridge remote. Nothing connects yet.
// Extra pool options are applied after the configured ones.
func newRelay(cfg *config.Config, logger *slog.Logger, bus *events.Bus, poolOpts ...mcp.PoolOption) (*relay, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []mcp.PoolOption{
		mcp.WithClientOptions(clientOptions(cfg.Client)...),
		mcp.WithConnectTimeout(cfg.Client.ConnectTimeout),
		mcp.WithPoolEventBus(bus),
	}
	pool := mcp.NewPool(logger, append(opts, poolOpts...)...)

	for _, s := range cfg.Servers {
		if err := pool.RegisterServer(serverConfig(s)); err != nil {
			return nil, err
		}
	}
	for _, remote := range cfg.Bridge.Remotes {
		if _, ok := pool.ServerConfig(remote); ok {
			continue
		}
		if err := pool.RegisterServer(mcp.ServerConfig{Name: remote, URL: remote}); err != nil {
			return nil, err
		}
	}

	registry := tools.NewRegistry(logger)
	bridge := mcp.NewBridge(pool, registry, logger,
		mcp.WithRetractOnDisconnect(cfg.Bridge.RetractOnDisconnect),
		mcp.WithBridgeEventBus(bus),
	)

	r := &relay{
		cfg:    cfg,
		logger: logger,
		pool:   pool,
		bridge: bridge,
	}

	execOpts := []tools.ExecutorOption{tools.WithEventBus(bus)}
	if cfg.CallLog.Enabled {
		store, err := openCallLog(cfg.CallLog.Path)
		if err != nil {
			return nil, err
		}
		r.store = store
		execOpts = append(execOpts, tools.WithRecorder(store))
		logger.Debug("call log opened", "path", cfg.CallLog.Path)
	}
	r.executor = tools.NewExecutor(registry, logger, execOpts...)

	if err := r.registerLocalTools(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// openCallLog opens the SQLite call log, creating its directory.
func openCallLog(path string) (*calllog.Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create call log directory: %w", err)
	}
	store, err := calllog.NewStore(path)
	if err != nil {
		return nil, fmt.Errorf("open call log %s: %w", path, err)
	}
	return store, nil
}

// clientOptions maps the client section of the config onto protocol
// client options.
func clientOptions(c config.ClientConfig) []mcp.ClientOption {
	var delay mcp.DelayStrategy = mcp.FixedDelay(c.RetryDelay)
	if c.Backoff == "exponential" {
		delay = mcp.ExponentialDelay{Initial: c.RetryDelay, Max: c.MaxRetryDelay, Multiplier: 2}
	}
	return []mcp.ClientOption{
		mcp.WithMaxAttempts(c.MaxAttempts),
		mcp.WithDelayStrategy(delay),
		mcp.WithRequestTimeout(c.RequestTimeout),
	}
}

func serverConfig(s config.MCPServer) mcp.ServerConfig {
	return mcp.ServerConfig{
		Name:               s.Name,
		Command:            s.Command,
		Args:               s.Args,
		WorkingDir:         s.WorkingDir,
		Env:                s.Env,
		URL:                s.URL,
		Headers:            s.Headers,
		InsecureSkipVerify: s.InsecureSkipVerify,
		IncludeTools:       s.IncludeTools,
		ExcludeTools:       s.ExcludeTools,
	}
}

// bridgeAll connects to every registered server and bridges its tools.
// An unreachable server is logged and skipped so the rest still load;
// the failures are returned joined.
func (r *relay) bridgeAll(ctx context.Context) (int, error) {
	var total int
	var errs []error
	for _, name := range r.pool.ListRegisteredServers() {
		n, err := r.bridge.BridgeServer(ctx, name)
		if err != nil {
			r.logger.Warn("MCP server unavailable", "mcp_server", name, "error", err)
			errs = append(errs, err)
			continue
		}
		total += n
	}
	return total, errors.Join(errs...)
}

// serverStatus is one row of the servers report.
type serverStatus struct {
	Name       string `json:"name"`
	Transport  string `json:"transport"`
	Target     string `json:"target"`
	State      string `json:"state"`
	ServerName string `json:"server_name,omitempty"`
	Version    string `json:"server_version,omitempty"`
	Tools      int    `json:"tools"`
}

// serverStatuses reports every registered server without connecting.
func (r *relay) serverStatuses() []serverStatus {
	names := r.pool.ListRegisteredServers()
	out := make([]serverStatus, 0, len(names))
	for _, name := range names {
		cfg, _ := r.pool.ServerConfig(name)
		st := serverStatus{
			Name:      name,
			Transport: transportName(cfg),
			Target:    cfg.URL,
			State:     r.pool.State(name).String(),
			Tools:     len(r.executor.Registry().NamesServedBy(name)),
		}
		if cfg.Command != "" {
			st.Target = cfg.Command
		}
		out = append(out, st)
	}
	return out
}

// probeServers connects to every registered server and fills in what
// the server reported about itself.
func (r *relay) probeServers(ctx context.Context) []serverStatus {
	statuses := r.serverStatuses()
	for i := range statuses {
		conn, err := r.pool.GetConnection(ctx, statuses[i].Name)
		if err != nil {
			r.logger.Debug("MCP server probe failed", "mcp_server", statuses[i].Name, "error", err)
			statuses[i].State = r.pool.State(statuses[i].Name).String()
			continue
		}
		info := conn.ServerInfo()
		statuses[i].ServerName = info.Name
		statuses[i].Version = info.Version
		if !r.pool.IsConnectionHealthy(ctx, statuses[i].Name) {
			r.logger.Debug("MCP server failed health check", "mcp_server", statuses[i].Name)
		}
		statuses[i].State = r.pool.State(statuses[i].Name).String()
	}
	return statuses
}

func transportName(cfg mcp.ServerConfig) string {
	switch {
	case cfg.Command != "":
		return "stdio"
	case strings.HasPrefix(strings.ToLower(cfg.URL), "ws"):
		return "websocket"
	default:
		return "http"
	}
}

// registerLocalTools adds the tools toolrelay serves itself, so that a
// caller can inspect the relay through the same executor it uses for
// everything else.
func (r *relay) registerLocalTools() error {
	serversTool := tools.NewLocalTool(
		"relay_servers",
		"List the MCP servers this relay knows about, with their connection state and tool count.",
		nil,
		func(context.Context, map[string]any) (any, error) {
			return r.serverStatuses(), nil
		},
	)
	if _, err := r.executor.Registry().Register(serversTool, ""); err != nil {
		return err
	}

	if r.store == nil {
		return nil
	}
	callsTool := tools.NewLocalTool(
		"relay_recent_calls",
		"Show the most recent tool calls made through this relay, newest first.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum number of calls to return (default 20).",
				},
			},
		},
		func(ctx context.Context, args map[string]any) (any, error) {
			limit := 20
			switch v := args["limit"].(type) {
			case float64:
				limit = int(v)
			case int:
				limit = v
			}
			return r.store.Recent(ctx, limit)
		},
	)
	_, err := r.executor.Registry().Register(callsTool, "")
	return err
}

// stats adapts the relay to the MQTT forwarder's status document.
type stats struct {
	pool  *mcp.Pool
	watch *connwatch.Manager
}

func (s stats) Uptime() time.Duration   { return buildinfo.Uptime() }
func (s stats) ActiveServers() []string { return s.pool.ListActiveConnections() }
func (s stats) Unreachable() []string   { return s.watch.Unreachable() }

// Close shuts down every connection and the call log.
func (r *relay) Close() error {
	errs := []error{r.pool.CloseAllConnections()}
	if r.store != nil {
		errs = append(errs, r.store.Close())
	}
	return errors.Join(errs...)
}
