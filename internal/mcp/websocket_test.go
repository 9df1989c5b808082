package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// wsFixture serves MCP over WebSocket. batch > 1 makes it collect that
// many requests and answer them in reverse order.
type wsFixture struct {
	batch     int
	dropAfter int // close the socket after this many requests when > 0
	dials     atomic.Int32
	authz     atomic.Value
}

func (f *wsFixture) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.dials.Add(1)
	f.authz.Store(r.Header.Get("Authorization"))
	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var queue []*Request
	seen := 0
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil || req.ID == 0 {
			continue
		}
		seen++
		if f.dropAfter > 0 && seen >= f.dropAfter {
			return
		}

		queue = append(queue, &req)
		if len(queue) < max(f.batch, 1) {
			continue
		}
		// Server notifications are interleaved and must be ignored.
		conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","method":"notifications/progress"}`))
		for i := len(queue) - 1; i >= 0; i-- {
			resp := Response{
				JSONRPC: jsonrpcVersion,
				ID:      queue[i].ID,
				Result:  mustJSON(map[string]any{"method": queue[i].Method, "id": queue[i].ID}),
			}
			conn.WriteJSON(resp)
		}
		queue = nil
	}
}

func newWSFixture(t *testing.T, f *wsFixture) *WebSocketTransport {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	tr := NewWebSocketTransport(WebSocketConfig{
		URL:     "ws" + strings.TrimPrefix(srv.URL, "http"),
		Headers: map[string]string{"Authorization": "Bearer ws"},
		Logger:  discardLogger(),
	})
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestWebSocketTransport_CorrelatesOutOfOrder(t *testing.T) {
	f := &wsFixture{batch: 2}
	tr := newWSFixture(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	results := make([]*Response, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = tr.Send(ctx, NewRequest(int64(i+1), "m", nil))
		}()
	}
	wg.Wait()

	for i := 0; i < 2; i++ {
		if errs[i] != nil {
			t.Fatalf("Send %d: %v", i+1, errs[i])
		}
		if results[i].ID != int64(i+1) {
			t.Errorf("request %d got response %d", i+1, results[i].ID)
		}
		var body map[string]any
		json.Unmarshal(results[i].Result, &body)
		if body["id"] != float64(i+1) {
			t.Errorf("request %d got body %v", i+1, body)
		}
	}
	if got, _ := f.authz.Load().(string); got != "Bearer ws" {
		t.Errorf("Authorization = %q", got)
	}
}

func TestWebSocketTransport_WithClient(t *testing.T) {
	tr := newWSFixture(t, &wsFixture{})
	c := NewClient("ws", tr, discardLogger())
	if _, err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
}

func TestWebSocketTransport_RedialsAfterDrop(t *testing.T) {
	f := &wsFixture{dropAfter: 2}
	tr := newWSFixture(t, f)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := tr.Send(ctx, NewRequest(1, "a", nil)); err != nil {
		t.Fatalf("first Send: %v", err)
	}
	if _, err := tr.Send(ctx, NewRequest(2, "b", nil)); err == nil {
		t.Fatal("Send on a dropped socket should fail")
	}

	// Wait for the reader to notice the drop.
	deadline := time.Now().Add(2 * time.Second)
	for {
		tr.connMu.Lock()
		gone := tr.conn == nil
		tr.connMu.Unlock()
		if gone || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := tr.Send(ctx, NewRequest(3, "c", nil)); err != nil {
		t.Fatalf("Send after redial: %v", err)
	}
	if n := f.dials.Load(); n != 2 {
		t.Errorf("dials = %d, want 2", n)
	}
}

func TestWebSocketTransport_ClosedRejects(t *testing.T) {
	tr := newWSFixture(t, &wsFixture{})
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Send(context.Background(), NewRequest(1, "x", nil)); err != ErrConnectionClosed {
		t.Errorf("Send after Close = %v, want ErrConnectionClosed", err)
	}
}
