package realtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type wsHandler func(conn *websocket.Conn, r *http.Request)

type testServer struct {
	URL    string
	server *httptest.Server

	mu       sync.Mutex
	accepted map[string]int
}

func newTestServer(t *testing.T, handlers map[string]wsHandler) *testServer {
	t.Helper()

	ts := &testServer{accepted: make(map[string]int)}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler, ok := handlers[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.mu.Lock()
		ts.accepted[r.URL.Path]++
		ts.mu.Unlock()
		handler(conn, r)
	}))
	ts.URL = "ws" + strings.TrimPrefix(ts.server.URL, "http")
	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) Accepted(path string) int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.accepted[path]
}

// holdOpen 读取直到客户端断开
func holdOpen(conn *websocket.Conn, _ *http.Request) {
	defer conn.Close()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// echoReply 对每条消息回复 reply(msg)
func echoReply(reply func(messageType int, data []byte) (int, []byte)) wsHandler {
	return func(conn *websocket.Conn, _ *http.Request) {
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			rt, out := reply(mt, data)
			if out == nil {
				continue
			}
			if err := conn.WriteMessage(rt, out); err != nil {
				return
			}
		}
	}
}

func testConnectionOptions() *ConnectionOptions {
	return &ConnectionOptions{
		HandshakeTimeout: time.Second,
		WriteTimeout:     time.Second,
		HeartbeatMode:    HeartbeatOff,
		MaxAttempts:      3,
		BaseDelay:        5 * time.Millisecond,
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) ofType(typ EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}
