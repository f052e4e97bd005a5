package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newTestMultiplexer(t *testing.T, baseURL string, identity Identity) *Multiplexer {
	t.Helper()
	mux, err := NewMultiplexer(MultiplexerOptions{
		BaseURL:    baseURL,
		Connection: testConnectionOptions(),
		Identity:   identity,
	})
	if err != nil {
		t.Fatalf("NewMultiplexer err: %v", err)
	}
	t.Cleanup(func() { mux.Close() })
	return mux
}

func TestInitAllIsIdempotent(t *testing.T) {
	ts := newTestServer(t, map[string]wsHandler{"/": holdOpen, "/tts": holdOpen, "/stt": holdOpen})
	mux := newTestMultiplexer(t, ts.URL, nil)

	if err := mux.InitAll(context.Background()); err != nil {
		t.Fatalf("InitAll err: %v", err)
	}
	if err := mux.InitAll(context.Background()); err != nil {
		t.Fatalf("second InitAll err: %v", err)
	}

	for _, path := range []string{"/", "/tts", "/stt"} {
		if got := ts.Accepted(path); got != 1 {
			t.Fatalf("path %s: expected 1 socket, got %d", path, got)
		}
	}

	status := mux.Status()
	if !status.Ready {
		t.Fatalf("expected ready status, got %+v", status)
	}
	if len(status.Channels) != 3 {
		t.Fatalf("expected 3 channels, got %d", len(status.Channels))
	}
}

func TestStatusNotReadyWhenChannelMissing(t *testing.T) {
	ts := newTestServer(t, map[string]wsHandler{"/": holdOpen, "/tts": holdOpen})
	mux := newTestMultiplexer(t, ts.URL, nil)

	if err := mux.InitAll(context.Background()); err == nil {
		t.Fatal("expected stt dial error")
	}

	status := mux.Status()
	if status.Ready {
		t.Fatal("status should not be ready with stt down")
	}
	if st, _ := status.Channel(ChannelDialogue); st.State != StateOpen {
		t.Fatalf("expected dialogue open, got %s", st.State)
	}
}

func TestSendTextOnClosedChannelFailsFast(t *testing.T) {
	mux := newTestMultiplexer(t, "ws://127.0.0.1:1", nil)

	err := mux.SendText("hello")
	if !errors.Is(err, ErrChannelNotConnected) {
		t.Fatalf("expected ErrChannelNotConnected, got %v", err)
	}
	var chErr *ChannelError
	if !errors.As(err, &chErr) || chErr.Channel != ChannelDialogue {
		t.Fatalf("expected dialogue ChannelError, got %v", err)
	}
}

func TestHandshakeAndTextEnvelope(t *testing.T) {
	received := make(chan ClientMessage, 4)
	queries := make(chan map[string]string, 1)
	ts := newTestServer(t, map[string]wsHandler{
		"/": func(conn *websocket.Conn, r *http.Request) {
			queries <- map[string]string{
				"userId":    r.URL.Query().Get("userId"),
				"timestamp": r.URL.Query().Get("timestamp"),
			}
			defer conn.Close()
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				var msg ClientMessage
				if json.Unmarshal(data, &msg) == nil {
					received <- msg
				}
			}
		},
		"/tts": holdOpen,
		"/stt": holdOpen,
	})

	identity := func() (string, map[string]string) {
		return "u-42", map[string]string{"name": "Ada"}
	}
	mux := newTestMultiplexer(t, ts.URL, identity)
	if err := mux.InitAll(context.Background()); err != nil {
		t.Fatalf("InitAll err: %v", err)
	}

	q := <-queries
	if q["userId"] != "u-42" || q["timestamp"] == "" {
		t.Fatalf("unexpected query params: %v", q)
	}

	hello := <-received
	if hello.Type != "handshake" || hello.UserID != "u-42" || hello.Info["name"] != "Ada" {
		t.Fatalf("unexpected handshake: %+v", hello)
	}

	if err := mux.SendText("hi there"); err != nil {
		t.Fatalf("SendText err: %v", err)
	}
	select {
	case msg := <-received:
		if msg.Input == nil || msg.Input.Type != "text" || msg.Input.Content != "hi there" {
			t.Fatalf("unexpected text envelope: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("text message not received")
	}
}

func TestDialogueFramesRouteByKind(t *testing.T) {
	ts := newTestServer(t, map[string]wsHandler{
		"/": func(conn *websocket.Conn, r *http.Request) {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"processing"}`))
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"text","content":"hello"}`))
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"mystery"}`))
			holdOpen(conn, r)
		},
		"/tts": holdOpen,
		"/stt": holdOpen,
	})
	mux := newTestMultiplexer(t, ts.URL, nil)

	kinds := make(chan string, 3)
	mux.Dispatcher().On(KindProcessing, func(ServerMessage) { kinds <- "processing" })
	mux.Dispatcher().On(KindText, func(m ServerMessage) { kinds <- "text:" + m.Body() })
	mux.Dispatcher().OnUnhandled(func(m ServerMessage) { kinds <- "unhandled:" + m.Type })

	if err := mux.InitAll(context.Background()); err != nil {
		t.Fatalf("InitAll err: %v", err)
	}

	want := []string{"processing", "text:hello", "unhandled:mystery"}
	for _, w := range want {
		select {
		case got := <-kinds:
			if got != w {
				t.Fatalf("got %q want %q", got, w)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %q", w)
		}
	}
}

func TestCloseDisconnectsAllChannels(t *testing.T) {
	ts := newTestServer(t, map[string]wsHandler{"/": holdOpen, "/tts": holdOpen, "/stt": holdOpen})
	mux, err := NewMultiplexer(MultiplexerOptions{BaseURL: ts.URL, Connection: testConnectionOptions()})
	if err != nil {
		t.Fatalf("NewMultiplexer err: %v", err)
	}
	if err := mux.InitAll(context.Background()); err != nil {
		t.Fatalf("InitAll err: %v", err)
	}

	mux.Close()

	if mux.Initialized() {
		t.Fatal("initialized flag should be cleared")
	}
	for _, ch := range mux.Status().Channels {
		if ch.State != StateClosed {
			t.Fatalf("channel %s: expected closed, got %s", ch.Name, ch.State)
		}
	}
	if err := mux.InitAll(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after Close, got %v", err)
	}
}

func TestJoinURL(t *testing.T) {
	cases := map[string][2]string{
		"ws://host:3000/tts":     {"ws://host:3000", "/tts"},
		"ws://host:3000/api/stt": {"ws://host:3000/api/", "/stt"},
		"ws://host:3000":         {"ws://host:3000", ""},
	}
	for want, in := range cases {
		if got := joinURL(in[0], in[1]); got != want {
			t.Fatalf("joinURL(%q, %q) = %q, want %q", in[0], in[1], got, want)
		}
	}
}

func TestReconnectAfterGivingUp(t *testing.T) {
	tests := []struct {
		name      string
		reconnect func(*Multiplexer) error
	}{
		{"explicit channel", func(m *Multiplexer) error { return m.Reconnect(context.Background(), ChannelTTS) }},
		{"repeated init", func(m *Multiplexer) error { return m.InitAll(context.Background()) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var up atomic.Bool
			upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if !up.Load() {
					http.Error(w, "down", http.StatusServiceUnavailable)
					return
				}
				conn, err := upgrader.Upgrade(w, r, nil)
				if err != nil {
					return
				}
				holdOpen(conn, r)
			}))
			t.Cleanup(srv.Close)

			mux, err := NewMultiplexer(MultiplexerOptions{
				BaseURL:    "ws" + strings.TrimPrefix(srv.URL, "http"),
				Channels:   []ChannelSpec{{Name: ChannelTTS, Path: "/tts", Required: true}},
				Connection: testConnectionOptions(),
			})
			if err != nil {
				t.Fatalf("NewMultiplexer err: %v", err)
			}
			t.Cleanup(func() { mux.Close() })

			if err := mux.InitAll(context.Background()); err == nil {
				t.Fatal("expected initial dial error")
			}
			waitUntil(t, 2*time.Second, func() bool {
				return mux.State(ChannelTTS) == StateReconnectFailed
			}, "channel never gave up")

			up.Store(true)
			if err := tt.reconnect(mux); err != nil {
				t.Fatalf("reconnect err: %v", err)
			}
			st, _ := mux.Status().Channel(ChannelTTS)
			if st.State != StateOpen || st.Attempts != 0 {
				t.Fatalf("expected open channel with reset attempts, got %+v", st)
			}
		})
	}
}

func TestReconnectRejectsUnknownAndClosed(t *testing.T) {
	mux := newTestMultiplexer(t, "ws://127.0.0.1:1", nil)

	if err := mux.Reconnect(context.Background(), "bogus"); !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("expected ErrUnknownChannel, got %v", err)
	}
	mux.Close()
	if err := mux.Reconnect(context.Background(), ChannelDialogue); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
