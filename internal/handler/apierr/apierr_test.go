package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/zhouzirui/z-assistant/internal/service/capture"
	"github.com/zhouzirui/z-assistant/internal/service/chat"
	"github.com/zhouzirui/z-assistant/internal/service/realtime"
	"github.com/zhouzirui/z-assistant/pkg/utils"
)

func TestStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"send wraps channel error", fmt.Errorf("%w: %w", chat.ErrSendFailed, realtime.ErrChannelNotConnected), http.StatusServiceUnavailable, "not_connected"},
		{"capture too large", fmt.Errorf("stop: %w", capture.ErrTooLarge), http.StatusUnprocessableEntity, "too_large"},
		{"playback busy", chat.ErrPlaybackBusy, http.StatusConflict, "playback_busy"},
		{"request timeout", fmt.Errorf("transcribe: %w", realtime.ErrRequestTimeout), http.StatusGatewayTimeout, "timeout"},
		{"unknown channel", &realtime.ChannelError{Channel: "video", Err: realtime.ErrUnknownChannel}, http.StatusNotFound, "unknown_channel"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code := Status(tt.err)
			if status != tt.status || code != tt.code {
				t.Fatalf("Status(%v) = %d %q, want %d %q", tt.err, status, code, tt.status, tt.code)
			}
		})
	}
}

func TestRespondMarksRetryable(t *testing.T) {
	resp := httptest.NewRecorder()
	Respond(resp, fmt.Errorf("%w: %w", chat.ErrSendFailed, realtime.ErrNotConnected))

	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.Code)
	}
	var body utils.ErrorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if !body.Retryable || body.Code != "not_connected" {
		t.Fatalf("unexpected body: %+v", body)
	}

	resp = httptest.NewRecorder()
	Respond(resp, capture.ErrTooShort)
	body = utils.ErrorBody{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Retryable {
		t.Fatal("capture errors are not retryable")
	}
}
