package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nugget/toolrelay/internal/calllog"
	"github.com/nugget/toolrelay/internal/config"
	"github.com/nugget/toolrelay/internal/mcp"
	"github.com/nugget/toolrelay/internal/tools"
)

// writeConfig writes a config with the given extra YAML to a temp dir
// and returns its path. The data directory lives beside it.
func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	body := "log_level: error\n" +
		"data_dir: " + filepath.Join(dir, "data") + "\n" +
		"client:\n  max_attempts: 1\n  retry_delay: 1ms\n  connect_timeout: 5s\n" +
		extra
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const callLogEnabled = "call_log:\n  enabled: true\n"

func runArgs(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	var out, errOut bytes.Buffer
	err = run(context.Background(), &out, &errOut, args)
	return out.String(), errOut.String(), err
}

func TestRun_Version(t *testing.T) {
	t.Parallel()

	out, _, err := runArgs(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "toolrelay ") || !strings.Contains(out, "go_version:") {
		t.Errorf("text output = %q", out)
	}

	out, _, err = runArgs(t, "-o", "json", "version")
	if err != nil {
		t.Fatalf("version json: %v", err)
	}
	var info map[string]any
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("json output does not parse: %v\n%s", err, out)
	}
	if info["version"] == "" || info["os"] == "" {
		t.Errorf("info = %v", info)
	}
}

func TestRun_Usage(t *testing.T) {
	t.Parallel()
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		out, _, err := runArgs(t, args...)
		if err != nil {
			t.Errorf("run(%v) = %v", args, err)
		}
		if !strings.Contains(out, "Usage: toolrelay") || !strings.Contains(out, "call <tool>") {
			t.Errorf("run(%v) usage = %q", args, out)
		}
	}
}

func TestRun_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"unknown command", []string{"launch"}, "unknown command: launch"},
		{"unknown flag", []string{"-verbose", "tools"}, "unknown flag: -verbose"},
		{"bad output format", []string{"-o", "yaml", "version"}, "unknown output format"},
		{"call without tool", []string{"call"}, "usage: toolrelay call"},
		{"call with extra args", []string{"call", "a", "{}", "extra"}, "usage: toolrelay call"},
		{"calls with bad count", []string{"calls", "many"}, "usage: toolrelay calls"},
		{"calls with zero", []string{"calls", "0"}, "usage: toolrelay calls"},
		{"missing config", []string{"-config", "/nonexistent/toolrelay.yaml", "tools"}, "config file not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := runArgs(t, tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("run(%v) error = %v, want containing %q", tt.args, err, tt.wantErr)
			}
		})
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "servers:\n  - name: both\n    command: mcp-server\n    url: http://localhost/mcp\n")
	_, _, err := runArgs(t, "-config", path, "tools")
	if err == nil || !strings.Contains(err.Error(), "mutually exclusive") {
		t.Errorf("error = %v", err)
	}
}

func TestRun_ToolsListsLocalTools(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, callLogEnabled)

	out, _, err := runArgs(t, "-config", path, "-o", "json", "tools")
	if err != nil {
		t.Fatalf("tools: %v", err)
	}
	var list []tools.ToolInfo
	if err := json.Unmarshal([]byte(out), &list); err != nil {
		t.Fatalf("output does not parse: %v\n%s", err, out)
	}
	if len(list) != 2 || list[0].Name != "relay_recent_calls" || list[1].Name != "relay_servers" {
		t.Fatalf("tools = %+v", list)
	}
	for _, ti := range list {
		if ti.Origin != tools.OriginLocal {
			t.Errorf("%s origin = %q", ti.Name, ti.Origin)
		}
	}

	// Without the call log only the servers tool is offered.
	out, _, err = runArgs(t, "-config", writeConfig(t, ""), "tools")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "relay_recent_calls") || !strings.Contains(out, "relay_servers") {
		t.Errorf("text output = %q", out)
	}
}

func TestRun_CallAndCalls(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, callLogEnabled)

	out, _, err := runArgs(t, "-config", path, "call", "relay_servers")
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if strings.TrimSpace(out) != "[]" {
		t.Errorf("call output = %q, want []", out)
	}

	var nf *tools.NotFoundError
	out, _, err = runArgs(t, "-config", path, "-o", "json", "call", "no_such_tool")
	if !errors.As(err, &nf) {
		t.Fatalf("call missing tool error = %v, want *tools.NotFoundError", err)
	}
	var res callOutput
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("json output does not parse: %v\n%s", err, out)
	}
	if res.OK || res.Tool != "no_such_tool" || res.Error == "" {
		t.Errorf("call output = %+v", res)
	}

	out, _, err = runArgs(t, "-config", path, "-o", "json", "calls", "5")
	if err != nil {
		t.Fatalf("calls: %v", err)
	}
	var entries []struct {
		Tool   string `json:"tool"`
		Caller string `json:"caller"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("calls output does not parse: %v\n%s", err, out)
	}
	if len(entries) != 2 {
		t.Fatalf("calls = %+v, want 2 entries", entries)
	}
	// Newest first.
	if entries[0].Tool != "no_such_tool" || entries[0].Error == "" {
		t.Errorf("newest = %+v", entries[0])
	}
	if entries[1].Tool != "relay_servers" || entries[1].Caller != "cli" || entries[1].Error != "" {
		t.Errorf("oldest = %+v", entries[1])
	}

	out, _, err = runArgs(t, "-config", path, "calls")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "relay_servers") || !strings.Contains(out, "error: ") {
		t.Errorf("text calls = %q", out)
	}
}

func TestRun_CallBadArgs(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "")
	var ia *tools.InvalidArgsError
	if _, _, err := runArgs(t, "-config", path, "call", "relay_servers", "[1,2]"); !errors.As(err, &ia) {
		t.Errorf("error = %v, want *tools.InvalidArgsError", err)
	}
}

func TestRun_CallsDisabled(t *testing.T) {
	t.Parallel()
	_, _, err := runArgs(t, "-config", writeConfig(t, ""), "calls")
	if err == nil || !strings.Contains(err.Error(), "call log is disabled") {
		t.Errorf("error = %v", err)
	}
}

func TestRun_ServersUnreachable(t *testing.T) {
	t.Parallel()
	missing := filepath.Join(t.TempDir(), "no-such-mcp-server")
	path := writeConfig(t, "servers:\n  - name: broken\n    command: "+missing+"\n")

	out, _, err := runArgs(t, "-config", path, "-o", "json", "servers")
	if err != nil {
		t.Fatalf("servers: %v", err)
	}
	var statuses []serverStatus
	if err := json.Unmarshal([]byte(out), &statuses); err != nil {
		t.Fatalf("output does not parse: %v\n%s", err, out)
	}
	if len(statuses) != 1 {
		t.Fatalf("statuses = %+v", statuses)
	}
	s := statuses[0]
	if s.Name != "broken" || s.Transport != "stdio" || s.Target != missing || s.Tools != 0 || s.State == "healthy" {
		t.Errorf("status = %+v", s)
	}

	// The tool list still loads; the broken server is only warned about.
	out, _, err = runArgs(t, "-config", path, "tools")
	if err != nil {
		t.Errorf("tools with unreachable server: %v", err)
	}
	if !strings.Contains(out, "relay_servers") {
		t.Errorf("tools output = %q", out)
	}
}

func TestRun_ServersNoneConfigured(t *testing.T) {
	t.Parallel()
	out, _, err := runArgs(t, "-config", writeConfig(t, ""), "servers")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "no servers configured") {
		t.Errorf("output = %q", out)
	}
}

func TestTransportName(t *testing.T) {
	t.Parallel()
	tests := []struct {
		cfg  mcp.ServerConfig
		want string
	}{
		{mcp.ServerConfig{Command: "mcp-server"}, "stdio"},
		{mcp.ServerConfig{URL: "http://localhost:8080/mcp"}, "http"},
		{mcp.ServerConfig{URL: "https://mcp.example.com"}, "http"},
		{mcp.ServerConfig{URL: "ws://localhost:9000"}, "websocket"},
		{mcp.ServerConfig{URL: "WSS://mcp.example.com"}, "websocket"},
	}
	for _, tt := range tests {
		if got := transportName(tt.cfg); got != tt.want {
			t.Errorf("transportName(%+v) = %q, want %q", tt.cfg, got, tt.want)
		}
	}
}

func TestNewRelay_RegistersServersAndRemotes(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Servers = []config.MCPServer{
		{Name: "fs", Command: "mcp-fs", Args: []string{"/srv"}, ExcludeTools: []string{"rm"}},
		{Name: "gh", URL: "https://mcp.example.com/github"},
	}
	cfg.Bridge.Remotes = []string{"ws://localhost:9000/mcp", "ws://localhost:9000/mcp"}

	r, err := newRelay(cfg, nil, nil)
	if err != nil {
		t.Fatalf("newRelay: %v", err)
	}
	defer r.Close()

	got := strings.Join(r.pool.ListRegisteredServers(), ",")
	if got != "fs,gh,ws://localhost:9000/mcp" {
		t.Errorf("registered = %s", got)
	}
	fs, _ := r.pool.ServerConfig("fs")
	if fs.Command != "mcp-fs" || len(fs.Args) != 1 || len(fs.ExcludeTools) != 1 {
		t.Errorf("fs config = %+v", fs)
	}
	if r.store != nil {
		t.Error("call log opened while disabled")
	}
	if len(r.pool.ListActiveConnections()) != 0 {
		t.Error("newRelay should not connect")
	}
}

// echoTransport is an in-process MCP server offering a single echo tool.
type echoTransport struct{}

func (echoTransport) Send(_ context.Context, req *mcp.Request) (*mcp.Response, error) {
	var result any
	switch req.Method {
	case "initialize":
		result = map[string]any{
			"protocolVersion": "2024-11-05",
			"serverInfo":      map[string]any{"name": "echo-server", "version": "1.2.0"},
		}
	case "tools/list":
		result = map[string]any{"tools": []map[string]any{{
			"name":        "echo",
			"description": "Echo a message.",
			"inputSchema": map[string]any{"type": "object", "required": []string{"message"}},
		}}}
	case "tools/call":
		data, _ := json.Marshal(req.Params)
		var p mcp.CallToolParams
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		result = map[string]any{"content": []map[string]any{{"type": "text", "text": "echo: " + p.Arguments["message"].(string)}}}
	default:
		return &mcp.Response{JSONRPC: "2.0", ID: req.ID, Error: &mcp.RPCError{Code: -32601, Message: "method not found"}}, nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &mcp.Response{JSONRPC: "2.0", ID: req.ID, Result: raw}, nil
}

func (echoTransport) Notify(context.Context, *mcp.Notification) error { return nil }
func (echoTransport) Close() error                                     { return nil }

func TestRelay_BridgeAndExecute(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.CallLog.Enabled = true
	cfg.CallLog.Path = filepath.Join(cfg.DataDir, "calls.db")
	cfg.Servers = []config.MCPServer{{Name: "echo-box", Command: "unused"}}

	factory := func(mcp.ServerConfig, *slog.Logger) (mcp.Transport, error) { return echoTransport{}, nil }
	r, err := newRelay(cfg, nil, nil, mcp.WithTransportFactory(factory))
	if err != nil {
		t.Fatalf("newRelay: %v", err)
	}
	defer r.Close()

	ctx := context.Background()
	n, err := r.bridgeAll(ctx)
	if err != nil || n != 1 {
		t.Fatalf("bridgeAll = %d, %v; want 1, nil", n, err)
	}

	got, err := r.executor.Execute(ctx, "echo", map[string]any{"message": "hi"})
	if err != nil || got != "echo: hi" {
		t.Fatalf("echo = %v, %v", got, err)
	}

	statuses := r.probeServers(ctx)
	if len(statuses) != 1 {
		t.Fatalf("statuses = %+v", statuses)
	}
	s := statuses[0]
	if s.State != "healthy" || s.Tools != 1 || s.ServerName != "echo-server" || s.Version != "1.2.0" {
		t.Errorf("status = %+v", s)
	}

	recent, err := r.executor.Execute(ctx, "relay_recent_calls", map[string]any{"limit": 1})
	if err != nil {
		t.Fatalf("relay_recent_calls: %v", err)
	}
	entries, ok := recent.([]calllog.Entry)
	if !ok || len(entries) != 1 || entries[0].Tool != "echo" || entries[0].Origin != "echo_box" {
		t.Errorf("recent calls = %#v", recent)
	}
}
