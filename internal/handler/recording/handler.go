package recording

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-assistant/internal/handler/apierr"
	model "github.com/zhouzirui/z-assistant/internal/model/chat"
	"github.com/zhouzirui/z-assistant/internal/service/capture"
	"github.com/zhouzirui/z-assistant/pkg/utils"
)

// Recorder 录音控制，由 capture.Session 实现
type Recorder interface {
	Start(ctx context.Context) error
	Stop() (capture.Recording, error)
	Discard()
	State() capture.State
	Seconds() int
}

// Sender 发送已停止的录音，由 chat.Session 实现
type Sender interface {
	SendRecording(ctx context.Context) (model.Entry, error)
}

// Handler 录音相关的HTTP处理器
type Handler struct {
	recorder Recorder
	sender   Sender
}

// New 创建录音处理器
func New(recorder Recorder, sender Sender) *Handler {
	return &Handler{recorder: recorder, sender: sender}
}

// RegisterRoutes 注册录音相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/recording", func(rr chi.Router) {
		rr.Get("/", h.handleStatus)
		rr.Post("/start", h.handleStart)
		rr.Post("/stop", h.handleStop)
		rr.Post("/send", h.handleSend)
		rr.Delete("/", h.handleDiscard)
	})
}

type recordingStatus struct {
	State   capture.State `json:"state"`
	Seconds int           `json:"seconds"`
}

func (h *Handler) status() recordingStatus {
	return recordingStatus{State: h.recorder.State(), Seconds: h.recorder.Seconds()}
}

func (h *Handler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.status())
}

// handleStart 开始录音，设备生命周期不跟随请求
func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := h.recorder.Start(context.WithoutCancel(r.Context())); err != nil {
		apierr.Respond(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusAccepted, h.status())
}

// handleStop 停止录音并返回时长
func (h *Handler) handleStop(w http.ResponseWriter, _ *http.Request) {
	rec, err := h.recorder.Stop()
	if err != nil {
		apierr.Respond(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"state":       h.recorder.State(),
		"seconds":     rec.Seconds(),
		"bytes":       len(rec.PCM),
		"autoStopped": rec.AutoStopped,
		"format":      rec.Format,
	})
}

// handleSend 识别并发送已停止的录音
func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	if h.sender == nil {
		utils.RespondError(w, http.StatusNotImplemented, "recording send unavailable")
		return
	}

	if h.recorder.State() == capture.StateRecording {
		if _, err := h.recorder.Stop(); err != nil {
			apierr.Respond(w, err)
			return
		}
	}

	entry, err := h.sender.SendRecording(r.Context())
	if err != nil {
		apierr.Respond(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, entry)
}

// handleDiscard 丢弃当前录音
func (h *Handler) handleDiscard(w http.ResponseWriter, _ *http.Request) {
	h.recorder.Discard()
	w.WriteHeader(http.StatusNoContent)
}
