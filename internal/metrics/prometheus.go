package metrics

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/zhouzirui/z-assistant/internal/event"
	"github.com/zhouzirui/z-assistant/internal/service/capture"
	"github.com/zhouzirui/z-assistant/internal/service/chat"
	"github.com/zhouzirui/z-assistant/internal/service/realtime"
)

// Metrics 客户端的 Prometheus 指标
type Metrics struct {
	// 通道
	ChannelOpen       *prometheus.GaugeVec
	Reconnects        *prometheus.CounterVec
	ReconnectFailures *prometheus.CounterVec
	FramesReceived    *prometheus.CounterVec

	// 关联请求
	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// 会话
	Notices         *prometheus.CounterVec
	TranscriptItems *prometheus.CounterVec
	Playbacks       prometheus.Counter

	// 录音
	Recordings *prometheus.CounterVec
}

// New 在 reg 上注册所有指标
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ChannelOpen: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "assistant_channel_open",
			Help: "Whether a realtime channel is currently open (1) or not (0)",
		}, []string{"channel"}),
		Reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "assistant_channel_reconnects_total",
			Help: "Total number of scheduled reconnect attempts",
		}, []string{"channel"}),
		ReconnectFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "assistant_channel_reconnect_failures_total",
			Help: "Total number of times a channel exhausted its reconnect attempts",
		}, []string{"channel"}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "assistant_frames_received_total",
			Help: "Total number of inbound frames",
		}, []string{"channel", "type"}),
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "assistant_correlated_requests_total",
			Help: "Total number of correlated requests by outcome",
		}, []string{"channel", "outcome"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "assistant_correlated_request_duration_seconds",
			Help:    "Time from request to reply for correlated requests",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"channel"}),
		Notices: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "assistant_notices_total",
			Help: "Total number of user-visible notices by level and code",
		}, []string{"level", "code"}),
		TranscriptItems: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "assistant_transcript_entries_total",
			Help: "Total number of transcript entries by role and kind",
		}, []string{"role", "kind"}),
		Playbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "assistant_playbacks_total",
			Help: "Total number of audio clips that started playing",
		}),
		Recordings: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "assistant_recordings_total",
			Help: "Total number of finished recordings by result",
		}, []string{"result"}),
	}
}

// ObserveMultiplexer 订阅通道事件与入站帧
func (m *Metrics) ObserveMultiplexer(mux *realtime.Multiplexer) []*event.Subscription {
	for _, ch := range mux.Status().Channels {
		m.ChannelOpen.WithLabelValues(string(ch.Name)).Set(0)
	}

	events := mux.OnEvent(func(ev realtime.Event) {
		channel := string(ev.Channel)
		switch ev.Type {
		case realtime.EventOpen:
			m.ChannelOpen.WithLabelValues(channel).Set(1)
		case realtime.EventClosed:
			m.ChannelOpen.WithLabelValues(channel).Set(0)
		case realtime.EventReconnecting:
			m.Reconnects.WithLabelValues(channel).Inc()
		case realtime.EventReconnectFailed:
			m.ReconnectFailures.WithLabelValues(channel).Inc()
		}
	})

	frames := mux.OnFrame(func(tf realtime.TappedFrame) {
		kind := "text"
		if tf.Frame.IsBinary() {
			kind = "binary"
		}
		m.FramesReceived.WithLabelValues(string(tf.Channel), kind).Inc()
	})

	return []*event.Subscription{events, frames}
}

// ObserveCorrelator 订阅关联请求结果
func (m *Metrics) ObserveCorrelator(c *realtime.Correlator) *event.Subscription {
	return c.OnResult(func(res realtime.RequestResult) {
		channel := string(res.Channel)
		m.Requests.WithLabelValues(channel, Outcome(res.Err)).Inc()
		if res.Err == nil {
			m.RequestDuration.WithLabelValues(channel).Observe(res.Duration.Seconds())
		}
	})
}

// Outcome 把请求错误归类为指标标签
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, realtime.ErrRequestTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.Is(err, realtime.ErrRequestSuperseded):
		return "superseded"
	case errors.Is(err, realtime.ErrConnectionLost):
		return "connection_lost"
	case errors.Is(err, realtime.ErrChannelNotConnected):
		return "not_connected"
	case errors.Is(err, realtime.ErrProtocol):
		return "protocol"
	default:
		return "error"
	}
}

// ObserveSession 订阅会话变更与提示
func (m *Metrics) ObserveSession(s *chat.Session) []*event.Subscription {
	updates := s.OnUpdate(func(u chat.Update) {
		switch u.Type {
		case chat.UpdateEntryAdded:
			if u.Entry != nil {
				m.TranscriptItems.WithLabelValues(string(u.Entry.Role), string(u.Entry.Kind)).Inc()
			}
		case chat.UpdatePlayback:
			if u.Playing {
				m.Playbacks.Inc()
			}
		}
	})
	notices := s.OnNotify(func(n chat.Notice) {
		m.Notices.WithLabelValues(string(n.Level), n.Code).Inc()
	})
	return []*event.Subscription{updates, notices}
}

// ObserveCapture 订阅录音结束事件
func (m *Metrics) ObserveCapture(s *capture.Session) *event.Subscription {
	return s.OnEvent(func(ev capture.Event) {
		switch ev.Type {
		case capture.EventStopped, capture.EventAutoStop, capture.EventDiscarded:
			m.Recordings.WithLabelValues(string(ev.Type)).Inc()
		}
	})
}
