package mcp

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when a request exceeds the client's
	// per-request timeout without a response.
	ErrTimeout = errors.New("mcp: request timed out")

	// ErrMissingResult is returned when a response carries neither a
	// result nor an error.
	ErrMissingResult = errors.New("mcp: response has no result")

	// ErrMalformedResponse is returned when a response body cannot be
	// parsed or answers a different request. It is not retried.
	ErrMalformedResponse = errors.New("mcp: malformed response")

	// ErrNotInitialized is returned for calls made before a successful
	// Initialize.
	ErrNotInitialized = errors.New("mcp: client not initialized")

	// ErrServerNotRegistered is returned by the pool for unknown names.
	ErrServerNotRegistered = errors.New("mcp: server not registered")

	// ErrConnectionClosed is returned for calls on a closed connection
	// or a pool slot closed with CloseConnection.
	ErrConnectionClosed = errors.New("mcp: connection closed")
)

// Error is a protocol-level failure of one MCP method call: a JSON-RPC
// error object, a malformed or result-less response, or a tool that
// reported isError. Unwrap exposes the cause.
type Error struct {
	Server string
	Method string
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("mcp %s: %s: %v", e.Server, e.Method, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// ConnectionError reports that a server could not be reached: either
// the connection could not be established and initialized, or every
// retry of a request failed at the transport level.
type ConnectionError struct {
	Server string
	// Attempts is the number of transport attempts made; zero when the
	// failure happened while establishing the connection.
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("mcp server %q unreachable after %d attempts: %v", e.Server, e.Attempts, e.Err)
	}
	return fmt.Sprintf("mcp server %q: connection failed: %v", e.Server, e.Err)
}

// Unwrap returns the last underlying failure.
func (e *ConnectionError) Unwrap() error { return e.Err }

// StatusError is a non-2xx HTTP response from an HTTP transport. It is
// a transport failure, distinct from a JSON-RPC error object.
type StatusError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("MCP server returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("MCP server returned HTTP %d: %s", e.StatusCode, e.Body)
}

// ToolError is a tools/call result with isError set.
type ToolError struct {
	Tool    string
	Message string
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s returned error: %s", e.Tool, e.Message)
}

// isTransportFailure reports whether err means the connection itself
// is suspect, as opposed to the server rejecting one request.
func isTransportFailure(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce) || errors.Is(err, ErrTimeout)
}
