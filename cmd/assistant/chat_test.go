package main

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/zhouzirui/z-assistant/internal/service/capture"
	"github.com/zhouzirui/z-assistant/internal/service/chat"
	"github.com/zhouzirui/z-assistant/internal/service/realtime"
)

func newTestREPL(t *testing.T) (*repl, *bytes.Buffer) {
	t.Helper()

	mux, err := realtime.NewMultiplexer(realtime.MultiplexerOptions{BaseURL: "ws://127.0.0.1:1"})
	if err != nil {
		t.Fatalf("NewMultiplexer err: %v", err)
	}
	t.Cleanup(func() { mux.Close() })

	correlator := realtime.NewCorrelator(mux, realtime.DefaultCorrelatorOptions())
	t.Cleanup(correlator.Close)

	recorder := capture.NewSession(nil, capture.DefaultOptions())
	session := chat.NewSession(mux, correlator, recorder, nil, chat.DefaultOptions())
	t.Cleanup(func() { session.Close() })

	var out bytes.Buffer
	r := newREPL(session, recorder, mux, &out)
	t.Cleanup(r.attach())
	return r, &out
}

func TestREPLSendWhileDisconnectedReportsOnce(t *testing.T) {
	r, out := newTestREPL(t)

	if quit := r.handle(context.Background(), "你好"); quit {
		t.Fatal("plain text should not quit")
	}
	if n := strings.Count(out.String(), "连接未建立"); n != 1 {
		t.Fatalf("expected one connection notice, got %d:\n%s", n, out.String())
	}
	if strings.Contains(out.String(), "send failed") {
		t.Fatalf("raw error printed next to notice:\n%s", out.String())
	}
	if len(r.session.Transcript()) != 0 {
		t.Fatal("failed send must not reach the transcript")
	}
}

func TestREPLRecordWithoutMicrophone(t *testing.T) {
	r, out := newTestREPL(t)

	r.handle(context.Background(), "/record")
	if !strings.Contains(out.String(), "未配置音频输入") {
		t.Fatalf("expected unsupported message, got:\n%s", out.String())
	}

	out.Reset()
	r.handle(context.Background(), "/send")
	if !strings.Contains(out.String(), "没有可发送的录音") {
		t.Fatalf("expected no recording message, got:\n%s", out.String())
	}
}

func TestREPLPlayValidatesIndex(t *testing.T) {
	r, out := newTestREPL(t)

	r.handle(context.Background(), "/play")
	if !strings.Contains(out.String(), "用法") {
		t.Fatalf("expected usage, got:\n%s", out.String())
	}

	out.Reset()
	r.handle(context.Background(), "/play 3")
	if !strings.Contains(out.String(), "没有这条记录: 3") {
		t.Fatalf("expected missing entry message, got:\n%s", out.String())
	}
}

func TestREPLReconnectValidatesChannel(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{"/reconnect video", "没有这个通道"},
		{"/reconnect tts stt", "用法: /reconnect"},
	}

	for _, tt := range tests {
		r, out := newTestREPL(t)
		r.handle(context.Background(), tt.line)
		if !strings.Contains(out.String(), tt.want) {
			t.Fatalf("%s: expected %q, got:\n%s", tt.line, tt.want, out.String())
		}
	}
}

func TestREPLRunStopsAtQuit(t *testing.T) {
	r, out := newTestREPL(t)

	in := strings.NewReader("/help\n/bogus\n/quit\n你好\n")
	if err := r.run(context.Background(), in); err != nil {
		t.Fatalf("run err: %v", err)
	}
	if !strings.Contains(out.String(), "/record 录音") {
		t.Fatalf("expected help text, got:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "未知命令 /bogus") {
		t.Fatalf("expected unknown command warning, got:\n%s", out.String())
	}
	if strings.Contains(out.String(), "连接未建立") {
		t.Fatal("input after /quit must not be processed")
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("stop: %w", capture.ErrTooShort), "录音时间太短"},
		{capture.ErrPermissionDenied, "无法访问麦克风"},
		{chat.ErrNoMedia, "没有可播放的音频"},
		{fmt.Errorf("boom"), "boom"},
	}
	for _, tt := range tests {
		if got := describe(tt.err); !strings.Contains(got, tt.want) {
			t.Fatalf("describe(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
