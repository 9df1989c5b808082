package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

var errTransport = errors.New("broken pipe")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeServer is an in-memory MCP server behind the Transport interface.
// tools/call echoes args["message"] as a text block.
type fakeServer struct {
	mu        sync.Mutex
	tools     []ToolDefinition
	calls     map[string]int
	ids       []int64
	notifs    []string
	failSends int           // upcoming Sends that fail at the transport level
	rpcErrors map[string]*RPCError
	results   map[string]json.RawMessage // raw result overrides per method
	wrongID   bool
	delay     time.Duration // applied to initialize
	closed    bool
	closeErr  error
}

func newFakeServer(toolNames ...string) *fakeServer {
	f := &fakeServer{
		calls:     make(map[string]int),
		rpcErrors: make(map[string]*RPCError),
		results:   make(map[string]json.RawMessage),
	}
	for _, n := range toolNames {
		f.tools = append(f.tools, ToolDefinition{
			Name:        n,
			Description: "tool " + n,
			InputSchema: map[string]any{"type": "object"},
		})
	}
	return f
}

func (f *fakeServer) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeServer) sentIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.ids...)
}

func (f *fakeServer) setFailSends(n int) {
	f.mu.Lock()
	f.failSends = n
	f.mu.Unlock()
}

func (f *fakeServer) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeServer) Send(ctx context.Context, req *Request) (*Response, error) {
	f.mu.Lock()
	f.ids = append(f.ids, req.ID)
	f.calls[req.Method]++
	delay := f.delay
	if f.closed {
		f.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	if f.failSends > 0 {
		f.failSends--
		f.mu.Unlock()
		return nil, errTransport
	}
	f.mu.Unlock()

	if req.Method == methodInitialize && delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	id := req.ID
	if f.wrongID {
		id = req.ID + 1000
	}
	if e, ok := f.rpcErrors[req.Method]; ok {
		return &Response{JSONRPC: jsonrpcVersion, ID: id, Error: e}, nil
	}
	if raw, ok := f.results[req.Method]; ok {
		return &Response{JSONRPC: jsonrpcVersion, ID: id, Result: raw}, nil
	}

	var result any
	switch req.Method {
	case methodInitialize:
		result = InitializeResult{
			ProtocolVersion: ProtocolVersion,
			ServerInfo:      Implementation{Name: "fake", Version: "1.0.0"},
		}
	case methodToolsList:
		result = toolsListResult{Tools: f.tools}
	case methodToolsCall:
		p, ok := req.Params.(CallToolParams)
		if !ok {
			return nil, fmt.Errorf("unexpected params %T", req.Params)
		}
		result = callToolResult{Content: []ContentBlock{
			{Type: "text", Text: fmt.Sprintf("%s: %v", p.Name, p.Arguments["message"])},
		}}
	default:
		return &Response{JSONRPC: jsonrpcVersion, ID: id, Error: &RPCError{Code: CodeMethodNotFound, Message: "method not found"}}, nil
	}

	data, _ := json.Marshal(result)
	return &Response{JSONRPC: jsonrpcVersion, ID: id, Result: data}, nil
}

func (f *fakeServer) Notify(_ context.Context, notif *Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifs = append(f.notifs, notif.Method)
	return nil
}

func (f *fakeServer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return f.closeErr
}

// fakeFactory hands out a new fakeServer per connection attempt.
type fakeFactory struct {
	mu      sync.Mutex
	created []*fakeServer
	setup   func(name string, f *fakeServer)
	fail    error
}

func (ff *fakeFactory) newTransport(cfg ServerConfig, _ *slog.Logger) (Transport, error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if ff.fail != nil {
		return nil, ff.fail
	}
	f := newFakeServer("echo")
	if ff.setup != nil {
		ff.setup(cfg.Name, f)
	}
	ff.created = append(ff.created, f)
	return f, nil
}

func (ff *fakeFactory) count() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.created)
}

func (ff *fakeFactory) last() *fakeServer {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.created[len(ff.created)-1]
}

// fastRetry keeps retry tests quick.
var fastRetry = []ClientOption{
	WithMaxAttempts(3),
	WithDelayStrategy(FixedDelay(time.Millisecond)),
}

func newTestPool(ff *fakeFactory, opts ...PoolOption) *Pool {
	base := []PoolOption{
		WithTransportFactory(ff.newTransport),
		WithClientOptions(fastRetry...),
	}
	return NewPool(discardLogger(), append(base, opts...)...)
}

func initializedClient(f *fakeServer, opts ...ClientOption) (*Client, error) {
	c := NewClient("test", f, discardLogger(), append(append([]ClientOption{}, fastRetry...), opts...)...)
	_, err := c.Initialize(context.Background())
	return c, err
}
