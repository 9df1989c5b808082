// Toolrelay connects to MCP tool servers, bridges their tools into one
// registry, and executes tool calls against them.
//
// Servers are reached over stdio (a subprocess), HTTP or WebSocket.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	toolrelay serve                    Connect servers and keep them healthy
//	toolrelay init [dir]               Write an example config
//	toolrelay tools                    List bridged tools
//	toolrelay call <tool> [json-args]  Execute one tool
//	toolrelay servers                  Show server connection state
//	toolrelay calls [n]                Show recent calls from the call log
//	toolrelay version                  Print version and build information
//	toolrelay -o json tools            Any report as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/toolrelay/internal/buildinfo"
	"github.com/nugget/toolrelay/internal/config"
	"github.com/nugget/toolrelay/internal/connwatch"
	"github.com/nugget/toolrelay/internal/events"
	"github.com/nugget/toolrelay/internal/mqtt"
	"github.com/nugget/toolrelay/internal/tools"
)

// main constructs the OS-level environment (context, stdio, argv) and
// delegates immediately to [run], keeping os.Exit and os.Args out of
// the application logic so the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the toolrelay command. Reports go to
// stdout. The serve command logs to stdout; the one-shot commands log
// to stderr so their output stays machine-readable.
//
// Arguments are parsed by hand. The flag package relies on
// package-level globals, which makes concurrent calls from tests
// impossible.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				// Collect remaining args as subcommand arguments.
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "tools":
		return runTools(ctx, stdout, stderr, configPath, outputFmt)
	case "call":
		if len(cmdArgs) == 0 || len(cmdArgs) > 2 {
			return fmt.Errorf("usage: toolrelay call <tool> [json-args]")
		}
		argsJSON := ""
		if len(cmdArgs) == 2 {
			argsJSON = cmdArgs[1]
		}
		return runCall(ctx, stdout, stderr, configPath, outputFmt, cmdArgs[0], argsJSON)
	case "servers":
		return runServers(ctx, stdout, stderr, configPath, outputFmt)
	case "calls":
		limit := 20
		if len(cmdArgs) > 0 {
			n, err := strconv.Atoi(cmdArgs[0])
			if err != nil || n <= 0 {
				return fmt.Errorf("usage: toolrelay calls [n] (n must be a positive integer)")
			}
			limit = n
		}
		return runCalls(ctx, stdout, stderr, configPath, outputFmt, limit)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Get()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, info)
	fmt.Fprintf(w, "  %-12s %s\n", "go_version:", info.GoVersion)
	fmt.Fprintf(w, "  %-12s %s/%s\n", "platform:", info.OS, info.Arch)
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Toolrelay - MCP tool relay")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: toolrelay [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                    Connect servers, bridge tools and watch their health")
	fmt.Fprintln(w, "  init [dir]               Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  tools                    List every bridged tool")
	fmt.Fprintln(w, "  call <tool> [json-args]  Execute one tool and print its result")
	fmt.Fprintln(w, "  servers                  Show the connection state of each server")
	fmt.Fprintln(w, "  calls [n]                Show the n most recent calls (default: 20)")
	fmt.Fprintln(w, "  version                  Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	for _, p := range config.DefaultSearchPaths() {
		fmt.Fprintf(w, "  %s\n", p)
	}
	return nil
}

// runServe connects every configured server, bridges its tools and
// keeps watching until SIGINT or SIGTERM. Each server gets a connwatch
// watcher; a server that becomes ready (at startup or after an outage)
// is bridged again so its tool list stays current. When MQTT is
// configured, events are forwarded to the broker.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting toolrelay", "build", buildinfo.Get().String())

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger = configuredLogger(stdout, cfg)
	logger.Info("config loaded",
		"path", cfgPath,
		"servers", len(cfg.Servers),
		"remotes", len(cfg.Bridge.Remotes),
		"call_log", cfg.CallLog.Enabled,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bus := events.New()
	r, err := newRelay(cfg, logger, bus)
	if err != nil {
		return err
	}
	defer func() {
		if err := r.Close(); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}()

	// --- Connection watching ---
	// The first successful probe bridges a server; later recoveries
	// bridge it again in case its tool list changed while it was down.
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()

	schedule := connwatch.DefaultSchedule()
	schedule.Poll = cfg.Pool.HealthInterval
	schedule.Timeout = cfg.Client.ConnectTimeout

	connMgr.WatchServers(ctx, r.pool, r.pool.ListRegisteredServers(), connwatch.Service{
		Schedule: schedule,
		OnReady: func(name string) {
			if _, err := r.bridge.BridgeServer(ctx, name); err != nil && ctx.Err() == nil {
				logger.Warn("bridging MCP tools failed", "mcp_server", name, "error", err)
			}
		},
		OnDown: func(name string, err error) {
			logger.Warn("MCP server down, its tools will fail until it recovers",
				"mcp_server", name,
				"tools", len(r.executor.Registry().NamesServedBy(name)),
				"error", err,
			)
		},
	})

	// --- MQTT event forwarding ---
	var fwd *mqtt.Forwarder
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

		fwd = mqtt.New(cfg.MQTT, instanceID, bus, stats{pool: r.pool, watch: connMgr}, logger)
		go func() {
			if err := fwd.Start(ctx); err != nil {
				logger.Error("mqtt forwarder failed", "error", err)
			}
		}()

		connMgr.Watch(ctx, connwatch.Service{
			Name: "mqtt",
			Probe: func(pCtx context.Context) error {
				awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
				defer awaitCancel()
				return fwd.AwaitConnection(awaitCtx)
			},
		})

		logger.Info("mqtt forwarding enabled",
			"broker", cfg.MQTT.Broker,
			"topic_prefix", cfg.MQTT.TopicPrefix,
			"status_interval", cfg.MQTT.StatusInterval,
		)
	} else {
		logger.Info("mqtt forwarding disabled (not configured)")
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	if fwd != nil {
		offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer offlineCancel()
		if err := fwd.Stop(offlineCtx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
	}

	connMgr.Stop()
	logger.Info("toolrelay stopped", "uptime", buildinfo.Uptime().String())
	return nil
}

// runTools bridges every server and lists the resulting registry.
func runTools(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string) error {
	r, err := openRelay(stderr, configPath)
	if err != nil {
		return err
	}
	defer r.Close()

	if _, err := r.bridgeAll(ctx); err != nil {
		r.logger.Warn("some servers are unavailable; their tools are not listed")
	}

	list := r.executor.ListTools()
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })

	if outputFmt == "json" {
		return writeJSON(stdout, list)
	}
	for _, t := range list {
		fmt.Fprintf(stdout, "%-32s %-16s %s\n", t.Name, t.Origin, firstLine(t.Description))
	}
	if warnings := r.executor.Registry().Warnings(); len(warnings) > 0 {
		fmt.Fprintln(stdout)
		for _, w := range warnings {
			fmt.Fprintf(stdout, "warning: %s\n", w)
		}
	}
	return nil
}

// callOutput is the JSON form of a call result.
type callOutput struct {
	Tool   string `json:"tool"`
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// runCall bridges every server, then executes one tool. A failed call
// is printed as a result in JSON mode and returned as an error in text
// mode.
func runCall(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt, tool, argsJSON string) error {
	r, err := openRelay(stderr, configPath)
	if err != nil {
		return err
	}
	defer r.Close()

	if _, err := r.bridgeAll(ctx); err != nil && !r.executor.Registry().Has(tool) {
		return fmt.Errorf("tool %s unavailable: %w", tool, err)
	}

	ctx = tools.WithCaller(ctx, "cli")
	result, callErr := r.executor.ExecuteJSON(ctx, tool, argsJSON)

	if outputFmt == "json" {
		out := callOutput{Tool: tool, OK: callErr == nil, Result: result}
		if callErr != nil {
			out.Error = callErr.Error()
		}
		if err := writeJSON(stdout, out); err != nil {
			return err
		}
		return callErr
	}

	if callErr != nil {
		return callErr
	}
	if s, ok := result.(string); ok {
		fmt.Fprintln(stdout, s)
		return nil
	}
	return writeJSON(stdout, result)
}

// runServers connects to each server and reports its state.
func runServers(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string) error {
	r, err := openRelay(stderr, configPath)
	if err != nil {
		return err
	}
	defer r.Close()

	// Failures show up as server state.
	_, _ = r.bridgeAll(ctx)
	statuses := r.probeServers(ctx)

	if outputFmt == "json" {
		return writeJSON(stdout, statuses)
	}
	if len(statuses) == 0 {
		fmt.Fprintln(stdout, "no servers configured")
		return nil
	}
	for _, s := range statuses {
		server := ""
		if s.ServerName != "" {
			server = s.ServerName + " " + s.Version
		}
		fmt.Fprintf(stdout, "%-20s %-10s %-10s %3d tools  %s  %s\n", s.Name, s.Transport, s.State, s.Tools, s.Target, server)
	}
	return nil
}

// runCalls prints the most recent entries from the call log. It opens
// the log directly and never connects to a server.
func runCalls(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string, limit int) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if !cfg.CallLog.Enabled {
		return errors.New("call log is disabled (set call_log.enabled in the config)")
	}
	configuredLogger(stderr, cfg).Debug("reading call log", "path", cfg.CallLog.Path)

	store, err := openCallLog(cfg.CallLog.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.Recent(ctx, limit)
	if err != nil {
		return fmt.Errorf("read call log: %w", err)
	}

	if outputFmt == "json" {
		return writeJSON(stdout, entries)
	}
	for _, e := range entries {
		status := "ok"
		if !e.OK() {
			status = "error: " + firstLine(e.Error)
		}
		fmt.Fprintf(stdout, "%s  %-28s %-16s %6dms  %s\n",
			e.Timestamp.Local().Format(time.DateTime), e.Tool, e.Origin, e.DurationMS, status)
	}
	return nil
}

// openRelay loads the config and builds a relay that logs to w.
func openRelay(w io.Writer, configPath string) (*relay, error) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return newRelay(cfg, configuredLogger(w, cfg), events.New())
}

// configuredLogger builds the logger the config asks for. The level
// was checked by config.Validate.
func configuredLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return config.NewLogger(w, level, cfg.LogFormat)
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations. Returns the parsed
// config, the path that was loaded, and any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
