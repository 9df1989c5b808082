package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/nugget/toolrelay/internal/httpkit"
)

// WebSocketConfig configures a WebSocket MCP transport.
type WebSocketConfig struct {
	// URL is the ws:// or wss:// endpoint.
	URL string

	// Headers are sent with the opening handshake.
	Headers map[string]string

	// InsecureSkipVerify disables TLS certificate verification for wss.
	InsecureSkipVerify bool

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// WebSocketTransport exchanges JSON-RPC messages over a WebSocket, one
// message per frame. Concurrent requests share the socket; a single
// reader goroutine routes each response to its caller by request ID.
type WebSocketTransport struct {
	url     string
	headers http.Header
	dialer  *websocket.Dialer
	logger  *slog.Logger

	connMu sync.Mutex
	conn   *wsConn
	closed bool

	pendingMu sync.Mutex
	pending   map[int64]chan *Response
}

// wsConn is one dialed socket plus the signal that its reader stopped.
type wsConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
	err     error // valid after done is closed
}

// NewWebSocketTransport creates a WebSocket transport. The socket is
// dialed on first use and redialed after it drops.
func NewWebSocketTransport(cfg WebSocketConfig) *WebSocketTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	endpoint := httpkit.Endpoint{
		Headers:            cfg.Headers,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	return &WebSocketTransport{
		url:     cfg.URL,
		headers: endpoint.Header(),
		dialer:  endpoint.Dialer(),
		logger:  logger,
		pending: make(map[int64]chan *Response),
	}
}

// connect returns the live socket, dialing one if needed.
func (t *WebSocketTransport) connect(ctx context.Context) (*wsConn, error) {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	if t.closed {
		return nil, ErrConnectionClosed
	}
	if t.conn != nil {
		return t.conn, nil
	}

	t.logger.Info("connecting to MCP WebSocket", "url", t.url)

	ws, resp, err := t.dialer.DialContext(ctx, t.url, t.headers)
	if err != nil {
		if resp != nil && resp.StatusCode >= 300 {
			return nil, &StatusError{StatusCode: resp.StatusCode}
		}
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	ws.SetReadLimit(maxResponseBytes)

	c := &wsConn{ws: ws, done: make(chan struct{})}
	t.conn = c
	go t.readLoop(c)
	return c, nil
}

// Send writes the request and waits for the response with its ID.
func (t *WebSocketTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	c, err := t.connect(ctx)
	if err != nil {
		return nil, err
	}

	respCh := make(chan *Response, 1)
	t.pendingMu.Lock()
	t.pending[req.ID] = respCh
	t.pendingMu.Unlock()

	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, req.ID)
		t.pendingMu.Unlock()
	}()

	if err := c.write(req); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-c.done:
		// The answer may have been routed just before the reader stopped.
		select {
		case resp := <-respCh:
			return resp, nil
		default:
		}
		return nil, fmt.Errorf("websocket read: %w", c.err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Notify writes a notification frame.
func (t *WebSocketTransport) Notify(ctx context.Context, notif *Notification) error {
	c, err := t.connect(ctx)
	if err != nil {
		return err
	}
	return c.write(notif)
}

func (c *wsConn) write(msg any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// readLoop routes responses to pending requests until the socket fails.
func (t *WebSocketTransport) readLoop(c *wsConn) {
	defer func() {
		t.connMu.Lock()
		if t.conn == c {
			t.conn = nil
		}
		t.connMu.Unlock()
		close(c.done)
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Info("MCP WebSocket closed normally")
			} else {
				t.logger.Warn("MCP WebSocket read error, connection lost", "error", err)
			}
			c.err = err
			return
		}

		resp, ok := decodeInbound(data)
		if !ok {
			t.logger.Debug("skipping non-response WebSocket message", "message", string(data))
			continue
		}

		t.pendingMu.Lock()
		if ch, ok := t.pending[resp.ID]; ok {
			ch <- resp
			delete(t.pending, resp.ID)
		} else {
			t.logger.Debug("skipping unmatched MCP message", "id", resp.ID)
		}
		t.pendingMu.Unlock()
	}
}

// Close sends a close frame and shuts the socket. In-flight sends fail.
func (t *WebSocketTransport) Close() error {
	t.connMu.Lock()
	t.closed = true
	c := t.conn
	t.conn = nil
	t.connMu.Unlock()

	if c == nil {
		return nil
	}

	c.writeMu.Lock()
	_ = c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.ws.Close()
}
