package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zhouzirui/z-assistant/internal/service/realtime"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(FileEnv, "")
	t.Setenv("PORT", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:8080" {
		t.Fatalf("unexpected addr: %s", cfg.Server.Addr)
	}
	if cfg.Realtime.MaxAttempts != 5 || cfg.Realtime.BaseDelay != 2*time.Second {
		t.Fatalf("unexpected reconnect defaults: %+v", cfg.Realtime)
	}
	if cfg.Capture.MinBytes != 1000 || cfg.Capture.MaxBytes != 10*1024*1024 || cfg.Capture.MaxDuration != time.Minute {
		t.Fatalf("unexpected capture defaults: %+v", cfg.Capture)
	}
}

func TestLoadServerAddr(t *testing.T) {
	tests := []struct {
		port    string
		want    string
		wantErr bool
	}{
		{port: "9090", want: "127.0.0.1:9090"},
		{port: ":9091", want: ":9091"},
		{port: "0.0.0.0:9092", want: "0.0.0.0:9092"},
		{port: "90 90", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.port, func(t *testing.T) {
			t.Setenv("PORT", tt.port)
			got, err := loadServerAddr("127.0.0.1:8080")
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.port)
				}
				return
			}
			if err != nil {
				t.Fatalf("loadServerAddr err: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %s want %s", got, tt.want)
			}
		})
	}
}

func TestLoadFileThenEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "assistant.yaml")
	content := `
realtime:
  baseURL: wss://assistant.example.com/ws
  ttsPath: /voice/tts
  maxAttempts: 8
  baseDelay: 500ms
  heartbeatMode: ping
capture:
  maxBytes: 2048
audio:
  speakReplies: false
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv(FileEnv, path)
	t.Setenv("PORT", "")
	t.Setenv("ASSISTANT_RECONNECT_ATTEMPTS", "3")
	t.Setenv("ASSISTANT_REQUEST_TIMEOUT", "12")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}

	if cfg.Realtime.BaseURL != "wss://assistant.example.com/ws" || cfg.Realtime.TTSPath != "/voice/tts" {
		t.Fatalf("file values not applied: %+v", cfg.Realtime)
	}
	if cfg.Realtime.STTPath != "/stt" {
		t.Fatalf("expected default stt path to survive, got %q", cfg.Realtime.STTPath)
	}
	if cfg.Realtime.MaxAttempts != 3 {
		t.Fatalf("env should override file attempts, got %d", cfg.Realtime.MaxAttempts)
	}
	if cfg.Realtime.BaseDelay != 500*time.Millisecond {
		t.Fatalf("unexpected base delay %s", cfg.Realtime.BaseDelay)
	}
	if cfg.Realtime.RequestTimeout != 12*time.Second {
		t.Fatalf("unexpected request timeout %s", cfg.Realtime.RequestTimeout)
	}
	if cfg.Capture.MaxBytes != 2048 || cfg.Audio.SpeakReplies {
		t.Fatalf("unexpected capture/audio values: %+v %+v", cfg.Capture, cfg.Audio)
	}

	opts := cfg.ConnectionOptions()
	if opts.HeartbeatMode != realtime.HeartbeatPing || opts.MaxAttempts != 3 {
		t.Fatalf("unexpected connection options: %+v", opts)
	}
	mux := cfg.MultiplexerOptions(nil)
	if len(mux.Channels) != 3 || mux.Channels[1].Path != "/voice/tts" || !mux.Channels[2].Audio {
		t.Fatalf("unexpected channel specs: %+v", mux.Channels)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
		want string
	}{
		{name: "scheme", key: "ASSISTANT_SOCKET_URL", val: "http://localhost:3000", want: "ws://"},
		{name: "heartbeat", key: "ASSISTANT_HEARTBEAT_MODE", val: "carrier-pigeon", want: "heartbeat"},
		{name: "attempts", key: "ASSISTANT_RECONNECT_ATTEMPTS", val: "many", want: "ASSISTANT_RECONNECT_ATTEMPTS"},
		{name: "bounds", key: "ASSISTANT_RECORD_MAX_BYTES", val: "10", want: "size bounds"},
		{name: "bool", key: "ASSISTANT_PORTAUDIO", val: "maybe", want: "ASSISTANT_PORTAUDIO"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(FileEnv, "")
			t.Setenv("PORT", "")
			t.Setenv(tt.key, tt.val)

			_, err := Load()
			if err == nil {
				t.Fatalf("expected error for %s=%s", tt.key, tt.val)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv(FileEnv, filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
