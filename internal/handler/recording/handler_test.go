package recording

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	model "github.com/zhouzirui/z-assistant/internal/model/chat"
	"github.com/zhouzirui/z-assistant/internal/service/capture"
)

type stubStream struct {
	once sync.Once
	ch   chan []byte
}

func (s *stubStream) Fragments() <-chan []byte { return s.ch }

func (s *stubStream) Close() error {
	s.once.Do(func() { close(s.ch) })
	return nil
}

type stubMic struct {
	err    error
	stream *stubStream
}

func (m *stubMic) Open(context.Context, capture.Format) (capture.Stream, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.stream = &stubStream{ch: make(chan []byte, 16)}
	return m.stream, nil
}

type stubSender struct {
	session *capture.Session
	sent    int
}

func (s *stubSender) SendRecording(context.Context) (model.Entry, error) {
	rec, err := s.session.Pending()
	if err != nil {
		return model.Entry{}, err
	}
	s.session.Consume(rec)
	s.sent = len(rec.PCM)
	return model.Entry{ID: "rec", Role: model.RoleUser, Kind: model.KindAudio}, nil
}

func setup(mic capture.Microphone) (*chi.Mux, *capture.Session, *stubSender) {
	opts := capture.DefaultOptions()
	session := capture.NewSession(mic, opts)
	sender := &stubSender{session: session}

	r := chi.NewRouter()
	New(session, sender).RegisterRoutes(r)
	return r, session, sender
}

func do(r http.Handler, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestRecordingLifecycle(t *testing.T) {
	mic := &stubMic{}
	r, session, sender := setup(mic)
	defer session.Close()

	if code := do(r, http.MethodPost, "/recording/stop").Code; code != http.StatusConflict {
		t.Fatalf("expected 409 stopping idle session, got %d", code)
	}

	if code := do(r, http.MethodPost, "/recording/start").Code; code != http.StatusAccepted {
		t.Fatalf("expected 202 on start, got %d", code)
	}
	if code := do(r, http.MethodPost, "/recording/start").Code; code != http.StatusConflict {
		t.Fatalf("expected 409 on second start, got %d", code)
	}

	mic.stream.ch <- make([]byte, 4000)

	resp := do(r, http.MethodPost, "/recording/stop")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 on stop, got %d: %s", resp.Code, resp.Body.String())
	}
	var body struct {
		State capture.State `json:"state"`
		Bytes int           `json:"bytes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode stop response: %v", err)
	}
	if body.State != capture.StateStopped || body.Bytes != 4000 {
		t.Fatalf("unexpected stop response: %+v", body)
	}

	if code := do(r, http.MethodPost, "/recording/send").Code; code != http.StatusCreated {
		t.Fatalf("expected 201 on send, got %d", code)
	}
	if sender.sent != 4000 {
		t.Fatalf("sender received %d bytes, want 4000", sender.sent)
	}
	if session.State() != capture.StateIdle {
		t.Fatalf("expected idle after send, got %s", session.State())
	}
	if code := do(r, http.MethodPost, "/recording/send").Code; code != http.StatusConflict {
		t.Fatalf("expected 409 when nothing to send, got %d", code)
	}
}

func TestRecordingTooShort(t *testing.T) {
	mic := &stubMic{}
	r, session, _ := setup(mic)
	defer session.Close()

	if code := do(r, http.MethodPost, "/recording/start").Code; code != http.StatusAccepted {
		t.Fatalf("expected 202 on start, got %d", code)
	}
	mic.stream.ch <- make([]byte, 500)

	if code := do(r, http.MethodPost, "/recording/stop").Code; code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for short recording, got %d", code)
	}
	if session.State() != capture.StateIdle {
		t.Fatalf("expected idle after rejected recording, got %s", session.State())
	}
}

func TestRecordingPermissionDenied(t *testing.T) {
	r, session, _ := setup(&stubMic{err: capture.ErrPermissionDenied})
	defer session.Close()

	if code := do(r, http.MethodPost, "/recording/start").Code; code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", code)
	}
	if session.State() != capture.StateIdle {
		t.Fatalf("expected idle after permission denial, got %s", session.State())
	}
}

func TestRecordingDiscard(t *testing.T) {
	mic := &stubMic{}
	r, session, _ := setup(mic)
	defer session.Close()

	do(r, http.MethodPost, "/recording/start")
	if code := do(r, http.MethodDelete, "/recording").Code; code != http.StatusNoContent {
		t.Fatalf("expected 204 on discard, got %d", code)
	}
	if session.State() != capture.StateIdle {
		t.Fatalf("expected idle after discard, got %s", session.State())
	}

	resp := do(r, http.MethodGet, "/recording")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 on status, got %d", resp.Code)
	}
}
