package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	model "github.com/zhouzirui/z-assistant/internal/model/chat"
	chatservice "github.com/zhouzirui/z-assistant/internal/service/chat"
	"github.com/zhouzirui/z-assistant/internal/service/realtime"
	"github.com/zhouzirui/z-assistant/pkg/utils"
)

type fakeConversation struct {
	mu      sync.Mutex
	entries []model.Entry
	sendErr error
	playing chan struct{}
	release chan struct{}
	busy    bool
}

func (f *fakeConversation) SendText(text string) (model.Entry, error) {
	if f.sendErr != nil {
		return model.Entry{}, f.sendErr
	}
	entry := model.Entry{ID: "e1", Role: model.RoleUser, Kind: model.KindText, Content: text}
	f.mu.Lock()
	f.entries = append(f.entries, entry)
	f.mu.Unlock()
	return entry, nil
}

func (f *fakeConversation) Transcript() []model.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Entry(nil), f.entries...)
}

func (f *fakeConversation) Play(_ context.Context, entryID string) error {
	if entryID != "e1" {
		return chatservice.ErrEntryNotFound
	}
	f.mu.Lock()
	if f.busy {
		f.mu.Unlock()
		return chatservice.ErrPlaybackBusy
	}
	f.busy = true
	f.mu.Unlock()

	if f.playing != nil {
		close(f.playing)
		<-f.release
	}

	f.mu.Lock()
	f.busy = false
	f.mu.Unlock()
	return nil
}

func setupRouter(conv *fakeConversation) *chi.Mux {
	r := chi.NewRouter()
	New(conv).RegisterRoutes(r)
	return r
}

func postJSON(t *testing.T, r http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestSendMessage(t *testing.T) {
	conv := &fakeConversation{}
	r := setupRouter(conv)

	resp := postJSON(t, r, "/messages", map[string]string{"text": "你好"})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.Code)
	}

	var entry model.Entry
	if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if entry.Content != "你好" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}

func TestSendMessageValidation(t *testing.T) {
	r := setupRouter(&fakeConversation{})

	resp := postJSON(t, r, "/messages", map[string]string{"text": "  "})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty text, got %d", resp.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/messages", bytes.NewReader([]byte("{")))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rec.Code)
	}
}

func TestSendMessageNotConnected(t *testing.T) {
	conv := &fakeConversation{
		sendErr: &realtime.ChannelError{Channel: realtime.ChannelDialogue, Err: realtime.ErrChannelNotConnected},
	}
	r := setupRouter(conv)

	resp := postJSON(t, r, "/messages", map[string]string{"text": "hello"})
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.Code)
	}

	var body utils.ErrorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if !body.Retryable || body.Code != "not_connected" {
		t.Fatalf("unexpected error body: %+v", body)
	}
}

func TestTranscript(t *testing.T) {
	conv := &fakeConversation{entries: []model.Entry{
		{ID: "a", Role: model.RoleUser, Content: "hi"},
		{ID: "b", Role: model.RoleAssistant, Content: "hello"},
	}}
	r := setupRouter(conv)

	req := httptest.NewRequest(http.MethodGet, "/transcript", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	var body struct {
		Entries []model.Entry `json:"entries"`
		Count   int           `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Count != 2 || body.Entries[1].Content != "hello" {
		t.Fatalf("unexpected transcript: %+v", body)
	}
}

func TestPlayConflictsWhileBusy(t *testing.T) {
	conv := &fakeConversation{playing: make(chan struct{}), release: make(chan struct{})}
	r := setupRouter(conv)

	first := make(chan int, 1)
	go func() {
		first <- postJSON(t, r, "/transcript/e1/play", nil).Code
	}()

	select {
	case <-conv.playing:
	case <-time.After(2 * time.Second):
		t.Fatal("first playback did not start")
	}

	if code := postJSON(t, r, "/transcript/e1/play", nil).Code; code != http.StatusConflict {
		t.Fatalf("expected 409 for concurrent playback, got %d", code)
	}

	close(conv.release)
	if code := <-first; code != http.StatusOK {
		t.Fatalf("expected 200 for first playback, got %d", code)
	}
}

func TestPlayUnknownEntry(t *testing.T) {
	r := setupRouter(&fakeConversation{})

	if code := postJSON(t, r, "/transcript/missing/play", nil).Code; code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
}
