package tools

import "fmt"

// NotFoundError is returned when a call targets a name that is not in
// the registry. This is a capability mismatch, not a transient failure;
// callers should not retry.
type NotFoundError struct {
	ToolName string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("tool not found: %q", e.ToolName)
}

// InvalidArgsError is returned when arguments fail schema validation.
// It is detected before the tool handler runs.
type InvalidArgsError struct {
	ToolName string
	// Field is the offending argument name; empty when the arguments as
	// a whole are wrong (for example, not an object).
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *InvalidArgsError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid arguments for tool %q: %s", e.ToolName, e.Reason)
	}
	return fmt.Sprintf("invalid arguments for tool %q: field %q %s", e.ToolName, e.Field, e.Reason)
}

// ExecutionError is returned when a tool handler fails. It carries the
// handler's message only; the underlying error is not exposed.
type ExecutionError struct {
	ToolName string
	Message  string
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %q failed: %s", e.ToolName, e.Message)
}
