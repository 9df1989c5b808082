package mcp

import (
	"encoding/json"
	"fmt"
)

const jsonrpcVersion = "2.0"

// Error codes reserved by JSON-RPC 2.0.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request is an outbound call. Params is always present on the wire,
// as null when there are none.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// NewRequest builds a request envelope.
func NewRequest(id int64, method string, params any) *Request {
	return &Request{JSONRPC: jsonrpcVersion, ID: id, Method: method, Params: params}
}

// Notification is a one-way message: it has no ID and gets no reply.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewNotification builds a notification envelope.
func NewNotification(method string, params any) *Notification {
	return &Notification{JSONRPC: jsonrpcVersion, Method: method, Params: params}
}

// Response is the server's answer to one Request. A well-formed
// response carries exactly one of Result or Error.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// answers reports whether r is the reply to request id. A server that
// could not parse a request replies with a null id, which decodes as 0;
// that error reply is accepted for any request.
func (r *Response) answers(id int64) bool {
	return r.ID == id || (r.ID == 0 && r.Error != nil)
}

// checkAnswers returns ErrMalformedResponse when r is not the reply to
// request id.
func checkAnswers(r *Response, id int64) error {
	if r.answers(id) {
		return nil
	}
	return fmt.Errorf("%w: response id %d does not match request id %d",
		ErrMalformedResponse, r.ID, id)
}

// RPCError is the error object of a response. The server rejected the
// call; retrying the same request would get the same answer.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// decodeResponse parses a complete response body.
func decodeResponse(body []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return &resp, nil
}

// decodeInbound parses one message read from a stream transport. ok is
// false for anything that is not a response: invalid JSON, or a
// message with a method, which is a server-initiated request or
// notification.
func decodeInbound(data []byte) (resp *Response, ok bool) {
	var msg struct {
		Response
		Method string `json:"method,omitempty"`
	}
	if err := json.Unmarshal(data, &msg); err != nil || msg.Method != "" {
		return nil, false
	}
	return &msg.Response, true
}
