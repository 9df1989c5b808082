package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"

	"github.com/nugget/toolrelay/internal/httpkit"
)

// sessionHeader carries the server-assigned session for affinity.
const sessionHeader = "Mcp-Session-Id"

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 10 << 20

// HTTPConfig configures an HTTP MCP transport that communicates with a
// remote MCP server over streamable HTTP (JSON-RPC over POST).
type HTTPConfig struct {
	// URL is the MCP server endpoint.
	URL string

	// Headers are additional HTTP headers sent with every request
	// (e.g., Authorization).
	Headers map[string]string

	// InsecureSkipVerify disables TLS certificate verification.
	InsecureSkipVerify bool

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// HTTPTransport communicates with an MCP server over streamable HTTP.
// Each JSON-RPC request is its own POST, so concurrent sends are
// independent and need no serialization.
type HTTPTransport struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.RWMutex
	sessionID string
}

// NewHTTPTransport creates an HTTP transport for the given config.
// Configured headers ride on every request via the httpkit client.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	endpoint := httpkit.Endpoint{
		Headers:            cfg.Headers,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	return &HTTPTransport{
		url:        cfg.URL,
		httpClient: endpoint.Client(),
		logger:     logger,
	}
}

// Send POSTs a JSON-RPC request and parses the body as its response.
// A non-2xx status is a *StatusError; a body that is not the response
// to req wraps ErrMalformedResponse.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpResp, err := t.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, &StatusError{
			StatusCode: httpResp.StatusCode,
			Body:       httpkit.ErrorBody(httpResp.Body, 1<<10),
		}
	}

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	var resp *Response
	if isEventStream(httpResp.Header.Get("Content-Type")) {
		resp, err = decodeEventStream(respBody, req.ID)
	} else {
		resp, err = decodeResponse(respBody)
	}
	if err != nil {
		return nil, err
	}

	if err := checkAnswers(resp, req.ID); err != nil {
		return nil, err
	}
	return resp, nil
}

// Notify sends a JSON-RPC notification via HTTP POST. No response
// content is expected, but the HTTP response status is checked.
func (t *HTTPTransport) Notify(ctx context.Context, notif *Notification) error {
	body, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	httpResp, err := t.post(ctx, body)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	// Accept 200 and 202 (accepted) for notifications.
	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusAccepted {
		return &StatusError{
			StatusCode: httpResp.StatusCode,
			Body:       httpkit.ErrorBody(httpResp.Body, 1<<10),
		}
	}
	return nil
}

// post issues one POST carrying body and records any session ID the
// server assigns.
func (t *HTTPTransport) post(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")

	t.mu.RLock()
	if t.sessionID != "" {
		httpReq.Header.Set(sessionHeader, t.sessionID)
	}
	t.mu.RUnlock()

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request to %s: %w", t.url, err)
	}

	if sid := httpResp.Header.Get(sessionHeader); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}
	return httpResp, nil
}

// Close releases idle keep-alive connections. There is no session to
// tear down on the server side.
func (t *HTTPTransport) Close() error {
	t.httpClient.CloseIdleConnections()
	return nil
}

func isEventStream(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "text/event-stream"
}

// decodeEventStream picks the response to id out of a server-sent
// event stream body. Other events (notifications, progress) are ignored.
func decodeEventStream(body []byte, id int64) (*Response, error) {
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), maxResponseBytes)

	var data strings.Builder
	flush := func() (*Response, bool) {
		defer data.Reset()
		if data.Len() == 0 {
			return nil, false
		}
		resp, ok := decodeInbound([]byte(data.String()))
		if !ok || resp.ID != id {
			return nil, false
		}
		return resp, true
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if resp, ok := flush(); ok {
				return resp, nil
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if resp, ok := flush(); ok {
		return resp, nil
	}
	return nil, fmt.Errorf("%w: no response for id %d in event stream", ErrMalformedResponse, id)
}
