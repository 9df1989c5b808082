package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/nugget/toolrelay/internal/config"
)

func TestClient_Initialize(t *testing.T) {
	f := newFakeServer()
	c := NewClient("test", f, discardLogger())

	res, err := c.Initialize(context.Background())
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if res.ServerInfo.Name != "fake" || c.ServerInfo().Version != "1.0.0" {
		t.Errorf("server info = %+v", res.ServerInfo)
	}
	if f.count(methodInitialize) != 1 {
		t.Errorf("initialize sent %d times, want 1", f.count(methodInitialize))
	}
	if len(f.notifs) != 1 || f.notifs[0] != methodInitialized {
		t.Errorf("notifications = %v, want [%s]", f.notifs, methodInitialized)
	}
}

func TestClient_TraceLogsPayloads(t *testing.T) {
	for _, level := range []slog.Level{config.LevelTrace, slog.LevelDebug} {
		t.Run(level.String(), func(t *testing.T) {
			var buf bytes.Buffer
			c := NewClient("test", newFakeServer("echo"), config.NewLogger(&buf, level, "text"))
			if _, err := c.Initialize(context.Background()); err != nil {
				t.Fatal(err)
			}
			traced := strings.Contains(buf.String(), `msg="MCP request"`) &&
				strings.Contains(buf.String(), "method=initialize")
			if traced != (level == config.LevelTrace) {
				t.Errorf("level %v traced = %v; log:\n%s", level, traced, buf.String())
			}
		})
	}
}

func TestClient_RequiresInitialize(t *testing.T) {
	f := newFakeServer("echo")
	c := NewClient("test", f, discardLogger())

	_, err := c.ListTools(context.Background())
	if !errors.Is(err, ErrNotInitialized) {
		t.Errorf("ListTools before Initialize = %v, want ErrNotInitialized", err)
	}
	_, err = c.CallTool(context.Background(), "echo", nil)
	if !errors.Is(err, ErrNotInitialized) {
		t.Errorf("CallTool before Initialize = %v, want ErrNotInitialized", err)
	}
	if len(f.sentIDs()) != 0 {
		t.Error("nothing should reach the transport before Initialize")
	}
}

func TestClient_IDsStrictlyIncreasing(t *testing.T) {
	f := newFakeServer("echo")
	c, err := initializedClient(f)
	if err != nil {
		t.Fatal(err)
	}

	for j := 0; j < 5; j++ {
		if _, err := c.CallTool(context.Background(), "echo", map[string]any{"message": "x"}); err != nil {
			t.Fatal(err)
		}
	}
	f.setFailSends(2)
	if _, err := c.RefreshTools(context.Background()); err != nil {
		t.Fatalf("RefreshTools after two transport failures: %v", err)
	}

	ids := f.sentIDs()
	if len(ids) != 9 {
		t.Fatalf("sent %d requests, want 9", len(ids))
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("ids not strictly increasing: %v", ids)
		}
	}
}

func TestClient_ListToolsCached(t *testing.T) {
	f := newFakeServer("a", "b")
	c, err := initializedClient(f)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	first, err := c.ListTools(ctx)
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.ListTools(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if len(first) != 2 || len(second) != 2 {
		t.Errorf("tool counts = %d, %d, want 2", len(first), len(second))
	}
	if n := f.count(methodToolsList); n != 1 {
		t.Errorf("tools/list sent %d times, want 1", n)
	}

	c.ClearCache()
	if _, err := c.ListTools(ctx); err != nil {
		t.Fatal(err)
	}
	if n := f.count(methodToolsList); n != 2 {
		t.Errorf("tools/list after ClearCache sent %d times, want 2", n)
	}

	if _, err := c.RefreshTools(ctx); err != nil {
		t.Fatal(err)
	}
	if n := f.count(methodToolsList); n != 3 {
		t.Errorf("RefreshTools should bypass the cache; sent %d, want 3", n)
	}
}

func TestClient_ListToolsReturnsCopy(t *testing.T) {
	f := newFakeServer("a", "b")
	c, err := initializedClient(f)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	refreshed, err := c.RefreshTools(ctx)
	if err != nil {
		t.Fatal(err)
	}
	refreshed[0].Name = "changed"

	listed, _ := c.ListTools(ctx)
	listed[1].Name = "changed"

	again, _ := c.ListTools(ctx)
	if len(again) != 2 || again[0].Name != "a" || again[1].Name != "b" {
		t.Errorf("cached tools = %+v, want a and b untouched", again)
	}
}

func TestClient_ListToolsEmptyIsCached(t *testing.T) {
	f := newFakeServer()
	c, err := initializedClient(f)
	if err != nil {
		t.Fatal(err)
	}
	c.ListTools(context.Background())
	got, err := c.ListTools(context.Background())
	if err != nil || got == nil || len(got) != 0 {
		t.Errorf("ListTools = %v, %v; want empty non-nil", got, err)
	}
	if n := f.count(methodToolsList); n != 1 {
		t.Errorf("tools/list sent %d times, want 1", n)
	}
}

func TestClient_CallTool(t *testing.T) {
	tests := []struct {
		name    string
		result  string
		want    any
		wantErr bool
	}{
		{
			name:   "first text block",
			result: `{"content":[{"type":"image","data":"..."},{"type":"text","text":"one"},{"type":"text","text":"two"}]}`,
			want:   "one",
		},
		{
			name:   "no text returns raw result",
			result: `{"content":[],"structured":{"n":1}}`,
			want:   map[string]any{"content": []any{}, "structured": map[string]any{"n": float64(1)}},
		},
		{
			name:   "non-object result",
			result: `42`,
			want:   float64(42),
		},
		{
			name:    "isError",
			result:  `{"content":[{"type":"text","text":"boom"}],"isError":true}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeServer("t")
			f.results[methodToolsCall] = json.RawMessage(tt.result)
			c, err := initializedClient(f)
			if err != nil {
				t.Fatal(err)
			}

			got, err := c.CallTool(context.Background(), "t", nil)
			if tt.wantErr {
				var te *ToolError
				if !errors.As(err, &te) || te.Message != "boom" {
					t.Fatalf("err = %v, want *ToolError boom", err)
				}
				var me *Error
				if !errors.As(err, &me) || me.Method != methodToolsCall {
					t.Errorf("err = %v, want wrapped in *Error", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			gotJSON, _ := json.Marshal(got)
			wantJSON, _ := json.Marshal(tt.want)
			if string(gotJSON) != string(wantJSON) {
				t.Errorf("CallTool = %s, want %s", gotJSON, wantJSON)
			}
		})
	}
}

func TestClient_CallToolSendsArguments(t *testing.T) {
	f := newFakeServer("echo")
	c, err := initializedClient(f)
	if err != nil {
		t.Fatal(err)
	}
	got, err := c.CallTool(context.Background(), "echo", map[string]any{"message": "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if got != "echo: hi" {
		t.Errorf("CallTool = %v, want %q", got, "echo: hi")
	}
}

func TestClient_RetryThenSuccess(t *testing.T) {
	f := newFakeServer("echo")
	c, err := initializedClient(f)
	if err != nil {
		t.Fatal(err)
	}
	before := len(f.sentIDs())

	f.setFailSends(2)
	if _, err := c.CallTool(context.Background(), "echo", nil); err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if attempts := len(f.sentIDs()) - before; attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestClient_RetriesExhausted(t *testing.T) {
	f := newFakeServer("echo")
	c, err := initializedClient(f)
	if err != nil {
		t.Fatal(err)
	}
	before := len(f.sentIDs())

	f.setFailSends(10)
	_, err = c.CallTool(context.Background(), "echo", nil)

	var ce *ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want *ConnectionError", err)
	}
	if ce.Attempts != 3 || !errors.Is(err, errTransport) {
		t.Errorf("ConnectionError = %+v, want 3 attempts wrapping the transport error", ce)
	}
	if attempts := len(f.sentIDs()) - before; attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestClient_NoRetryOnProtocolErrors(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(f *fakeServer)
		wantIs error
	}{
		{
			name: "rpc error",
			setup: func(f *fakeServer) {
				f.rpcErrors[methodToolsCall] = &RPCError{Code: CodeInvalidParams, Message: "bad params"}
			},
		},
		{
			name:   "missing result",
			setup:  func(f *fakeServer) { f.results[methodToolsCall] = json.RawMessage(nil) },
			wantIs: ErrMissingResult,
		},
		{
			name:   "mismatched id",
			setup:  func(f *fakeServer) { f.wrongID = true },
			wantIs: ErrMalformedResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeServer("echo")
			c, err := initializedClient(f)
			if err != nil {
				t.Fatal(err)
			}
			tt.setup(f)
			before := len(f.sentIDs())

			_, err = c.CallTool(context.Background(), "echo", nil)
			var me *Error
			if !errors.As(err, &me) {
				t.Fatalf("err = %v, want *Error", err)
			}
			if tt.wantIs != nil && !errors.Is(err, tt.wantIs) {
				t.Errorf("err = %v, want %v", err, tt.wantIs)
			}
			var rpcErr *RPCError
			if tt.wantIs == nil && (!errors.As(err, &rpcErr) || rpcErr.Code != CodeInvalidParams) {
				t.Errorf("err = %v, want RPCError -32602", err)
			}
			if attempts := len(f.sentIDs()) - before; attempts != 1 {
				t.Errorf("attempts = %d, want 1 (no retry)", attempts)
			}
		})
	}
}

func TestClient_RequestTimeout(t *testing.T) {
	f := newFakeServer()
	f.delay = time.Second
	c := NewClient("slow", f, discardLogger(), WithRequestTimeout(20*time.Millisecond))

	start := time.Now()
	_, err := c.Initialize(context.Background())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("timeout took %s; should not retry timed-out requests", elapsed)
	}
	if !isTransportFailure(err) {
		t.Error("timeouts must count as transport failures")
	}
}

func TestClient_ContextCancelledDuringRetry(t *testing.T) {
	f := newFakeServer("echo")
	c, err := initializedClient(f, WithDelayStrategy(FixedDelay(time.Hour)))
	if err != nil {
		t.Fatal(err)
	}
	f.setFailSends(5)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.CallTool(ctx, "echo", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestClient_Close(t *testing.T) {
	f := newFakeServer()
	c := NewClient("test", f, discardLogger())
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if !f.isClosed() {
		t.Error("Close did not close the transport")
	}
}
