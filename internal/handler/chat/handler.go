package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-assistant/internal/handler/apierr"
	model "github.com/zhouzirui/z-assistant/internal/model/chat"
	"github.com/zhouzirui/z-assistant/pkg/utils"
)

// Conversation 处理器依赖的会话能力，由 chat.Session 实现
type Conversation interface {
	SendText(text string) (model.Entry, error)
	Transcript() []model.Entry
	Play(ctx context.Context, entryID string) error
}

// Handler 对话记录与文本发送的HTTP处理器
type Handler struct {
	conversation Conversation
}

// New 创建对话处理器
func New(conversation Conversation) *Handler {
	return &Handler{conversation: conversation}
}

// RegisterRoutes 注册对话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/transcript", h.handleTranscript)
	r.Post("/transcript/{entryID}/play", h.handlePlay)
	r.Post("/messages", h.handleSendMessage)
}

// handleTranscript 返回完整对话记录
func (h *Handler) handleTranscript(w http.ResponseWriter, r *http.Request) {
	entries := h.conversation.Transcript()
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// handleSendMessage 发送文本消息
func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Text string `json:"text"`
	}

	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if strings.TrimSpace(payload.Text) == "" {
		utils.RespondError(w, http.StatusBadRequest, "text is required")
		return
	}

	entry, err := h.conversation.SendText(payload.Text)
	if err != nil {
		apierr.Respond(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusCreated, entry)
}

// handlePlay 播放记录中的音频，播放结束后返回
func (h *Handler) handlePlay(w http.ResponseWriter, r *http.Request) {
	entryID := chi.URLParam(r, "entryID")
	if entryID == "" {
		utils.RespondError(w, http.StatusBadRequest, "entryID is required")
		return
	}

	// 客户端断开不打断正在进行的播放
	if err := h.conversation.Play(context.WithoutCancel(r.Context()), entryID); err != nil {
		apierr.Respond(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "played", "entryId": entryID})
}
