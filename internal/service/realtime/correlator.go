package realtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/zhouzirui/z-assistant/internal/event"
)

// Transport 是 Correlator 依赖的通道能力，由 Multiplexer 实现
type Transport interface {
	State(ChannelName) State
	SetHandler(ChannelName, FrameHandler) (FrameHandler, error)
	SendString(ChannelName, string) error
	SendBinary(ChannelName, []byte) error
	Drop(ChannelName, string)
	OnEvent(func(Event)) *event.Subscription
}

// Payload 请求载荷
type Payload struct {
	Binary bool
	Data   []byte
}

// TextPayload 文本载荷
func TextPayload(text string) Payload { return Payload{Data: []byte(text)} }

// BinaryPayload 二进制载荷
func BinaryPayload(data []byte) Payload { return Payload{Binary: true, Data: data} }

// CorrelatorOptions 关联器配置
type CorrelatorOptions struct {
	Timeout    time.Duration // 单个请求的总等待时间
	QueueDepth int           // 每通道最多排队的请求数（不含在途请求）
}

// DefaultCorrelatorOptions 默认配置
func DefaultCorrelatorOptions() CorrelatorOptions {
	return CorrelatorOptions{Timeout: 30 * time.Second, QueueDepth: 4}
}

// RequestResult 一次请求的结果，用于观测
type RequestResult struct {
	Channel  ChannelName
	Duration time.Duration
	Err      error
}

type reply struct {
	frame Frame
	err   error
}

type pendingRequest struct {
	channel   ChannelName
	payload   Payload
	createdAt time.Time
	done      chan reply
	finished  bool
}

type requestQueue struct {
	inflight *pendingRequest
	prev     FrameHandler
	waiting  []*pendingRequest
}

// Correlator 在推送通道上实现一问一答。
// 每个通道同一时间只有一个在途请求，其余按 FIFO 排队。
type Correlator struct {
	transport Transport
	options   CorrelatorOptions

	mu     sync.Mutex
	queues map[ChannelName]*requestQueue
	closed bool

	sub     *event.Subscription
	results *event.Bus[RequestResult]
}

// NewCorrelator 创建关联器
func NewCorrelator(transport Transport, options CorrelatorOptions) *Correlator {
	defaults := DefaultCorrelatorOptions()
	if options.Timeout <= 0 {
		options.Timeout = defaults.Timeout
	}
	if options.QueueDepth < 1 {
		options.QueueDepth = 1
	}

	c := &Correlator{
		transport: transport,
		options:   options,
		queues:    make(map[ChannelName]*requestQueue),
		results:   event.NewBus[RequestResult]("correlator.results"),
	}
	c.sub = transport.OnEvent(c.handleEvent)
	return c
}

// OnResult 订阅请求结果
func (c *Correlator) OnResult(fn func(RequestResult)) *event.Subscription {
	return c.results.On(fn)
}

// Request 发送载荷并等待该通道上的下一条入站帧
func (c *Correlator) Request(ctx context.Context, channel ChannelName, payload Payload) (Frame, error) {
	req := &pendingRequest{
		channel:   channel,
		payload:   payload,
		createdAt: time.Now(),
		done:      make(chan reply, 1),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Frame{}, ErrClosed
	}
	if c.transport.State(channel) != StateOpen {
		c.mu.Unlock()
		return Frame{}, channelErr(channel, ErrChannelNotConnected)
	}

	q := c.queueLocked(channel)
	q.waiting = append(q.waiting, req)
	if len(q.waiting) > c.options.QueueDepth {
		oldest := q.waiting[0]
		q.waiting = q.waiting[1:]
		c.finishLocked(oldest, reply{err: channelErr(channel, ErrRequestSuperseded)})
	}
	c.mu.Unlock()

	c.pump(channel)

	timer := time.NewTimer(c.options.Timeout)
	defer timer.Stop()

	var res reply
	select {
	case res = <-req.done:
	case <-timer.C:
		res = c.abandon(req, ErrRequestTimeout)
	case <-ctx.Done():
		res = c.abandon(req, ctx.Err())
	}

	c.results.Emit(RequestResult{Channel: channel, Duration: time.Since(req.createdAt), Err: res.err})
	return res.frame, res.err
}

// Transcribe 通过 stt 通道把音频转成文本
func (c *Correlator) Transcribe(ctx context.Context, audio []byte) (string, error) {
	frame, err := c.Request(ctx, ChannelSTT, BinaryPayload(audio))
	if err != nil {
		return "", err
	}
	if frame.IsBinary() {
		return "", &ProtocolError{Channel: ChannelSTT, Raw: frame.Data, Err: errors.New("expected text reply, got binary")}
	}
	return strings.TrimSpace(frame.Text()), nil
}

// Synthesize 通过 tts 通道把文本合成为音频
func (c *Correlator) Synthesize(ctx context.Context, text string) (Frame, error) {
	frame, err := c.Request(ctx, ChannelTTS, TextPayload(text))
	if err != nil {
		return Frame{}, err
	}
	if !frame.IsBinary() {
		return Frame{}, &ProtocolError{Channel: ChannelTTS, Raw: frame.Data, Err: fmt.Errorf("expected audio reply, got text %q", truncate(frame.Text(), 80))}
	}
	return frame, nil
}

// Pending 返回通道上的在途与排队请求数
func (c *Correlator) Pending(channel ChannelName) (inflight bool, queued int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.queues[channel]
	if !ok {
		return false, 0
	}
	return q.inflight != nil, len(q.waiting)
}

// Close 拒绝所有未完成请求并恢复通道处理器
func (c *Correlator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for channel := range c.queues {
		c.failAllLocked(channel, ErrClosed)
	}
	c.mu.Unlock()
	c.sub.Off()
}

func (c *Correlator) queueLocked(channel ChannelName) *requestQueue {
	q, ok := c.queues[channel]
	if !ok {
		q = &requestQueue{}
		c.queues[channel] = q
	}
	return q
}

// pump 在通道空闲时启动队首请求
func (c *Correlator) pump(channel ChannelName) {
	for {
		c.mu.Lock()
		q := c.queueLocked(channel)
		if c.closed || q.inflight != nil || len(q.waiting) == 0 {
			c.mu.Unlock()
			return
		}

		req := q.waiting[0]
		q.waiting = q.waiting[1:]

		prev, err := c.transport.SetHandler(channel, c.replyHandler(channel, req))
		if err != nil {
			c.finishLocked(req, reply{err: err})
			c.mu.Unlock()
			continue
		}
		q.inflight = req
		q.prev = prev
		c.mu.Unlock()

		if err := c.send(channel, req.payload); err != nil {
			c.mu.Lock()
			if q.inflight == req {
				c.releaseLocked(channel, q)
				c.finishLocked(req, reply{err: err})
			}
			c.mu.Unlock()
			continue
		}
		return
	}
}

func (c *Correlator) send(channel ChannelName, payload Payload) error {
	if payload.Binary {
		return c.transport.SendBinary(channel, payload.Data)
	}
	return c.transport.SendString(channel, string(payload.Data))
}

func (c *Correlator) replyHandler(channel ChannelName, req *pendingRequest) FrameHandler {
	return func(frame Frame) {
		c.mu.Lock()
		q := c.queues[channel]
		if q == nil || q.inflight != req {
			c.mu.Unlock()
			log.Printf("[realtime] %s: discarding reply for finished request", channel)
			return
		}
		c.releaseLocked(channel, q)
		c.finishLocked(req, reply{frame: frame})
		c.mu.Unlock()

		c.pump(channel)
	}
}

// abandon 处理超时或取消。在途请求被放弃时会重置通道，避免迟到的回复被错配。
func (c *Correlator) abandon(req *pendingRequest, cause error) reply {
	c.mu.Lock()
	if req.finished {
		c.mu.Unlock()
		return <-req.done
	}

	leak := &RequestLeakError{Channel: req.channel, Waited: time.Since(req.createdAt), Err: cause}
	q := c.queueLocked(req.channel)
	drop := false
	if q.inflight == req {
		c.releaseLocked(req.channel, q)
		drop = true
	} else {
		for i, w := range q.waiting {
			if w == req {
				q.waiting = append(q.waiting[:i:i], q.waiting[i+1:]...)
				break
			}
		}
	}
	c.finishLocked(req, reply{err: leak})
	c.mu.Unlock()

	if drop {
		c.transport.Drop(req.channel, "correlated request abandoned")
	}
	return <-req.done
}

func (c *Correlator) handleEvent(ev Event) {
	if ev.Type != EventClosed && ev.Type != EventReconnectFailed {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.queues[ev.Channel]; !ok {
		return
	}
	c.failAllLocked(ev.Channel, ErrConnectionLost)
}

func (c *Correlator) failAllLocked(channel ChannelName, cause error) {
	q := c.queues[channel]
	if q.inflight != nil {
		req := q.inflight
		c.releaseLocked(channel, q)
		c.finishLocked(req, reply{err: channelErr(channel, cause)})
	}
	for _, req := range q.waiting {
		c.finishLocked(req, reply{err: channelErr(channel, cause)})
	}
	q.waiting = nil
}

func (c *Correlator) releaseLocked(channel ChannelName, q *requestQueue) {
	if _, err := c.transport.SetHandler(channel, q.prev); err != nil {
		log.Printf("[realtime] %s: restore handler failed: %v", channel, err)
	}
	q.inflight = nil
	q.prev = nil
}

func (c *Correlator) finishLocked(req *pendingRequest, res reply) {
	if req.finished {
		return
	}
	req.finished = true
	req.done <- res
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
