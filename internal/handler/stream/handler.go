package stream

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-assistant/internal/event"
	"github.com/zhouzirui/z-assistant/internal/handler/apierr"
	"github.com/zhouzirui/z-assistant/internal/service/capture"
	chatservice "github.com/zhouzirui/z-assistant/internal/service/chat"
	"github.com/zhouzirui/z-assistant/internal/service/realtime"
	"github.com/zhouzirui/z-assistant/pkg/utils"
)

// Conversation 会话变更来源，由 chat.Session 实现
type Conversation interface {
	OnUpdate(fn func(chatservice.Update)) *event.Subscription
	OnNotify(fn func(chatservice.Notice)) *event.Subscription
	State() chatservice.State
	Processing() bool
	Playing() bool
}

// Connections 通道状态来源，由 realtime.Multiplexer 实现
type Connections interface {
	Status() realtime.Status
	OnEvent(fn func(realtime.Event)) *event.Subscription
	Reconnect(ctx context.Context, name realtime.ChannelName) error
}

// Recorder 录音事件来源，由 capture.Session 实现
type Recorder interface {
	OnEvent(fn func(capture.Event)) *event.Subscription
	State() capture.State
	Seconds() int
}

// Message 推送给客户端的一条 SSE 消息
type Message struct {
	Event string
	Data  any
}

// Status 客户端整体状态快照
type Status struct {
	Connection realtime.Status `json:"connection"`
	Chat       ChatStatus      `json:"chat"`
	Recording  RecordingStatus `json:"recording"`
}

// ChatStatus 会话状态
type ChatStatus struct {
	State      chatservice.State `json:"state"`
	Processing bool              `json:"processing"`
	Playing    bool              `json:"playing"`
}

// RecordingStatus 录音状态
type RecordingStatus struct {
	State   capture.State `json:"state"`
	Seconds int           `json:"seconds"`
}

// Handler 状态查询与事件推送
type Handler struct {
	conversation Conversation
	connections  Connections
	recorder     Recorder
	keepAlive    time.Duration
	buffer       int
}

// New 创建事件处理器，任一来源可以为 nil
func New(conversation Conversation, connections Connections, recorder Recorder) *Handler {
	return &Handler{
		conversation: conversation,
		connections:  connections,
		recorder:     recorder,
		keepAlive:    15 * time.Second,
		buffer:       64,
	}
}

// RegisterRoutes 注册状态与事件路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/status", h.handleStatus)
	r.Get("/events", h.handleEvents)
	r.Post("/channels/{name}/reconnect", h.handleReconnect)
}

// Snapshot 汇总当前状态
func (h *Handler) Snapshot() Status {
	var st Status
	if h.connections != nil {
		st.Connection = h.connections.Status()
	}
	if h.conversation != nil {
		st.Chat = ChatStatus{
			State:      h.conversation.State(),
			Processing: h.conversation.Processing(),
			Playing:    h.conversation.Playing(),
		}
	}
	if h.recorder != nil {
		st.Recording = RecordingStatus{State: h.recorder.State(), Seconds: h.recorder.Seconds()}
	}
	return st
}

func (h *Handler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.Snapshot())
}

// handleReconnect 重新拨号已放弃重连的通道，返回该通道的最新状态
func (h *Handler) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if h.connections == nil {
		utils.RespondErrorBody(w, http.StatusNotImplemented, utils.ErrorBody{Error: "connections not configured", Code: "unsupported"})
		return
	}
	name := realtime.ChannelName(chi.URLParam(r, "name"))
	if err := h.connections.Reconnect(r.Context(), name); err != nil {
		apierr.Respond(w, err)
		return
	}
	st, _ := h.connections.Status().Channel(name)
	utils.RespondJSON(w, http.StatusOK, st)
}

// subscribe 把各来源的事件汇入一个有界队列，队列满时丢弃并记录
func (h *Handler) subscribe(out chan<- Message) []*event.Subscription {
	push := func(msg Message) {
		select {
		case out <- msg:
		default:
			log.Printf("[sse] client queue full, dropping %s event", msg.Event)
		}
	}

	var subs []*event.Subscription
	if h.conversation != nil {
		subs = append(subs,
			h.conversation.OnUpdate(func(u chatservice.Update) { push(Message{Event: string(u.Type), Data: u}) }),
			h.conversation.OnNotify(func(n chatservice.Notice) { push(Message{Event: "notice", Data: n}) }),
		)
	}
	if h.connections != nil {
		subs = append(subs, h.connections.OnEvent(func(ev realtime.Event) {
			push(Message{Event: "connection", Data: connectionEvent(ev)})
		}))
	}
	if h.recorder != nil {
		subs = append(subs, h.recorder.OnEvent(func(ev capture.Event) {
			push(Message{Event: "recording", Data: ev})
		}))
	}
	return subs
}

type connectionPayload struct {
	Type    realtime.EventType   `json:"type"`
	Channel realtime.ChannelName `json:"channel"`
	Attempt int                  `json:"attempt,omitempty"`
	DelayMs int64                `json:"delayMs,omitempty"`
	Reason  string               `json:"reason,omitempty"`
	Error   string               `json:"error,omitempty"`
}

func connectionEvent(ev realtime.Event) connectionPayload {
	p := connectionPayload{
		Type:    ev.Type,
		Channel: ev.Channel,
		Attempt: ev.Attempt,
		DelayMs: ev.Delay.Milliseconds(),
		Reason:  ev.Reason,
	}
	if ev.Err != nil {
		p.Error = ev.Err.Error()
	}
	return p
}

// handleEvents 以 SSE 推送状态快照与后续事件
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	queue := make(chan Message, h.buffer)
	subs := h.subscribe(queue)
	defer func() {
		for _, sub := range subs {
			sub.Off()
		}
	}()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	log.Printf("[sse] client connected from %s", r.RemoteAddr)

	if err := utils.SendSSEEvent(w, flusher, "status", h.Snapshot()); err != nil {
		return
	}

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[sse] client disconnected from %s", r.RemoteAddr)
			return
		case msg := <-queue:
			if err := utils.SendSSEEvent(w, flusher, msg.Event, msg.Data); err != nil {
				log.Printf("[sse] write failed: %v", err)
				return
			}
		case <-ticker.C:
			if err := utils.SendSSEComment(w, flusher, "keepalive"); err != nil {
				return
			}
		}
	}
}
