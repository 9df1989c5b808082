package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nugget/toolrelay/internal/events"
)

// CallRecord describes one finished tool call for auditing.
type CallRecord struct {
	CallID         string
	Tool           string
	Origin         string
	ConversationID string
	SessionID      string
	Caller         string
	Args           any
	Result         any
	Error          string
	Started        time.Time
	Duration       time.Duration
}

// OK reports whether the call succeeded.
func (r CallRecord) OK() bool { return r.Error == "" }

// Recorder persists call records. Recording failures are logged and
// never fail the call.
type Recorder interface {
	RecordCall(ctx context.Context, rec CallRecord) error
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithRecorder attaches an audit recorder.
func WithRecorder(rec Recorder) ExecutorOption {
	return func(e *Executor) { e.recorder = rec }
}

// WithEventBus publishes tool_call and tool_done events to bus.
func WithEventBus(bus *events.Bus) ExecutorOption {
	return func(e *Executor) { e.bus = bus }
}

// Executor validates arguments and dispatches calls to registered tools.
type Executor struct {
	registry *Registry
	logger   *slog.Logger
	recorder Recorder
	bus      *events.Bus
}

// NewExecutor creates an executor over registry.
func NewExecutor(registry *Registry, logger *slog.Logger, opts ...ExecutorOption) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		registry: registry,
		logger:   logger,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Registry returns the registry the executor dispatches to.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// ListTools returns every registered tool.
func (e *Executor) ListTools() []ToolInfo {
	return e.registry.List()
}

// Execute runs the named tool with args, which must decode to a JSON
// object (a map[string]any, json.RawMessage, or nil for no arguments).
// Errors are *NotFoundError, *InvalidArgsError or *ExecutionError.
func (e *Executor) Execute(ctx context.Context, name string, args any) (any, error) {
	return e.execute(ctx, newCallID(), name, args)
}

// ExecuteJSON is Execute with arguments given as a JSON string. An
// empty string means no arguments.
func (e *Executor) ExecuteJSON(ctx context.Context, name, argsJSON string) (any, error) {
	if argsJSON == "" {
		return e.Execute(ctx, name, nil)
	}
	return e.Execute(ctx, name, json.RawMessage(argsJSON))
}

// ExecuteBatch runs calls sequentially in order. A failing call does not
// stop the batch: every call yields exactly one ToolResult, in input order.
func (e *Executor) ExecuteBatch(ctx context.Context, calls []ToolCall) []ToolResult {
	results := make([]ToolResult, 0, len(calls))
	for _, call := range calls {
		id := call.ID
		if id == "" {
			id = newCallID()
		}

		res := ToolResult{ID: id, Name: call.Name}
		out, err := e.execute(ctx, id, call.Name, call.Args)
		if err != nil {
			res.Err = err
			res.Error = err.Error()
		} else {
			res.Result = out
		}
		results = append(results, res)
	}
	return results
}

func (e *Executor) execute(ctx context.Context, callID, name string, rawArgs any) (result any, err error) {
	started := time.Now()
	origin, _ := e.registry.Origin(name)

	e.bus.Publish(events.Event{
		Source: events.SourceExecutor,
		Kind:   events.KindToolCall,
		Data:   map[string]any{"call_id": callID, "tool": name},
	})

	defer func() {
		e.finish(ctx, CallRecord{
			CallID:         callID,
			Tool:           name,
			Origin:         origin,
			ConversationID: ConversationIDFromContext(ctx),
			SessionID:      SessionIDFromContext(ctx),
			Caller:         CallerFromContext(ctx),
			Args:           rawArgs,
			Result:         result,
			Error:          errString(err),
			Started:        started,
			Duration:       time.Since(started),
		})
	}()

	tool, ok := e.registry.Get(name)
	if !ok {
		return nil, &NotFoundError{ToolName: name}
	}

	args, err := validateArgs(name, tool.InputSchema(), rawArgs)
	if err != nil {
		return nil, err
	}

	return e.invoke(ctx, name, tool, args)
}

// invoke runs the handler, converting failures and panics into
// *ExecutionError so nothing but typed errors leaves the executor.
func (e *Executor) invoke(ctx context.Context, name string, tool Tool, args map[string]any) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("tool handler panicked", "tool", name, "panic", p)
			result = nil
			err = &ExecutionError{ToolName: name, Message: fmt.Sprintf("panic: %v", p)}
		}
	}()

	out, herr := tool.Execute(ctx, args)
	if herr != nil {
		return nil, &ExecutionError{ToolName: name, Message: herr.Error()}
	}
	return out, nil
}

func (e *Executor) finish(ctx context.Context, rec CallRecord) {
	data := map[string]any{
		"call_id":     rec.CallID,
		"tool":        rec.Tool,
		"ok":          rec.OK(),
		"duration_ms": rec.Duration.Milliseconds(),
	}
	if !rec.OK() {
		data["error"] = rec.Error
	}
	e.bus.Publish(events.Event{
		Source: events.SourceExecutor,
		Kind:   events.KindToolDone,
		Data:   data,
	})

	if rec.OK() {
		e.logger.Debug("tool executed", "tool", rec.Tool, "call_id", rec.CallID, "duration", rec.Duration)
	} else {
		e.logger.Info("tool call failed", "tool", rec.Tool, "call_id", rec.CallID, "error", rec.Error)
	}

	if e.recorder == nil {
		return
	}
	// Record even when the caller's context is already done.
	if err := e.recorder.RecordCall(context.WithoutCancel(ctx), rec); err != nil {
		e.logger.Warn("failed to record tool call", "tool", rec.Tool, "error", err)
	}
}

func newCallID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
