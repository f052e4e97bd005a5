package capture

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/zhouzirui/z-assistant/internal/event"
)

var (
	// ErrPermissionDenied 麦克风权限被拒绝
	ErrPermissionDenied = errors.New("microphone permission denied")
	// ErrUnsupported 平台不支持音频采集
	ErrUnsupported = errors.New("audio capture unsupported")
	// ErrTooShort 录音字节数低于下限
	ErrTooShort = errors.New("recording too short")
	// ErrTooLarge 录音字节数超过上限
	ErrTooLarge = errors.New("recording too large")
	// ErrBusy 已有录音在进行
	ErrBusy = errors.New("recording already in progress")
	// ErrNotRecording 当前没有进行中的录音
	ErrNotRecording = errors.New("not recording")
	// ErrNoRecording 没有可取用的录音
	ErrNoRecording = errors.New("no recording available")
)

// Stream 一次打开的麦克风采集流。Close 之后 Fragments 通道必须被关闭。
type Stream interface {
	Fragments() <-chan []byte
	Close() error
}

// Microphone 音频输入设备
type Microphone interface {
	Open(ctx context.Context, format Format) (Stream, error)
}

// Ticker 可替换的计时器，便于测试
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// NewRealTicker 基于 time.Ticker 的实现
func NewRealTicker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}

// State 录音状态
type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
	StateStopped   State = "stopped"
)

// Options 录音参数
type Options struct {
	MaxDuration time.Duration // 自动停止的上限
	Tick        time.Duration // 时长更新间隔
	MinBytes    int
	MaxBytes    int
	Format      Format
	NewTicker   func(time.Duration) Ticker
	DrainWait   time.Duration // 关闭设备后等待剩余分片的时间
}

// DefaultOptions 默认参数：60 秒上限，1000 字节下限，10 MiB 上限
func DefaultOptions() Options {
	return Options{
		MaxDuration: 60 * time.Second,
		Tick:        time.Second,
		MinBytes:    1000,
		MaxBytes:    10 * 1024 * 1024,
		Format:      DefaultFormat(),
		NewTicker:   NewRealTicker,
		DrainWait:   time.Second,
	}
}

// Recording 一段已完成的录音
type Recording struct {
	PCM         []byte        `json:"-"`
	Format      Format        `json:"format"`
	StartedAt   time.Time     `json:"startedAt"`
	Duration    time.Duration `json:"duration"`
	AutoStopped bool          `json:"autoStopped"`
}

// Seconds 录音秒数
func (r Recording) Seconds() int {
	return int(r.Duration / time.Second)
}

// WAV 转为带头的 WAV 字节
func (r Recording) WAV() ([]byte, error) {
	return EncodeWAV(r.PCM, r.Format)
}

// EventType 录音事件
type EventType string

const (
	EventStarted   EventType = "started"
	EventTick      EventType = "tick"
	EventAutoStop  EventType = "auto_stop"
	EventStopped   EventType = "stopped"
	EventDiscarded EventType = "discarded"
)

// Event 录音事件
type Event struct {
	Type    EventType `json:"type"`
	Seconds int       `json:"seconds"`
	Bytes   int       `json:"bytes"`
	Message string    `json:"message,omitempty"`
}

// Session 管理唯一的录音会话：idle → recording → stopped → idle
type Session struct {
	mic     Microphone
	options Options

	mu        sync.Mutex
	state     State
	stream    Stream
	ticker    Ticker
	acc       *Accumulator
	startedAt time.Time
	seconds   int
	stopCh    chan struct{}
	done      chan struct{}
	result    *Recording
	rejected  error // 自动停止时校验失败的原因，由下一次 Stop 或取录音报告

	events *event.Bus[Event]
}

// NewSession 创建录音会话
func NewSession(mic Microphone, options Options) *Session {
	defaults := DefaultOptions()
	if options.MaxDuration <= 0 {
		options.MaxDuration = defaults.MaxDuration
	}
	if options.Tick <= 0 {
		options.Tick = defaults.Tick
	}
	if options.MinBytes <= 0 {
		options.MinBytes = defaults.MinBytes
	}
	if options.MaxBytes <= 0 {
		options.MaxBytes = defaults.MaxBytes
	}
	if options.Format == (Format{}) {
		options.Format = defaults.Format
	}
	if options.NewTicker == nil {
		options.NewTicker = defaults.NewTicker
	}
	if options.DrainWait <= 0 {
		options.DrainWait = defaults.DrainWait
	}

	return &Session{
		mic:     mic,
		options: options,
		state:   StateIdle,
		acc:     NewAccumulator(),
		events:  event.NewBus[Event]("capture"),
	}
}

// OnEvent 订阅录音事件
func (s *Session) OnEvent(fn func(Event)) *event.Subscription {
	return s.events.On(fn)
}

// State 当前状态
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Seconds 当前录音秒数
func (s *Session) Seconds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seconds
}

// Start 打开麦克风开始录音。未发送的上一段录音会被丢弃。
func (s *Session) Start(ctx context.Context) error {
	if s.mic == nil {
		return ErrUnsupported
	}

	s.mu.Lock()
	if s.state == StateRecording {
		s.mu.Unlock()
		return ErrBusy
	}
	if s.result != nil {
		log.Printf("[capture] discarding unsent %ds recording", s.result.Seconds())
	}
	s.resetLocked()
	s.rejected = nil

	stream, err := s.mic.Open(ctx, s.options.Format)
	if err != nil {
		s.mu.Unlock()
		switch {
		case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrUnsupported):
			return err
		default:
			return fmt.Errorf("open microphone: %w", err)
		}
	}

	s.state = StateRecording
	s.stream = stream
	s.ticker = s.options.NewTicker(s.options.Tick)
	s.startedAt = time.Now()
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(stream, s.ticker, s.stopCh, s.done)
	s.mu.Unlock()

	log.Printf("[capture] recording started")
	s.events.Emit(Event{Type: EventStarted})
	return nil
}

func (s *Session) run(stream Stream, ticker Ticker, stopCh, done chan struct{}) {
	defer close(done)

	maxTicks := int(s.options.MaxDuration / s.options.Tick)
	fragments := stream.Fragments()
	for {
		select {
		case <-stopCh:
			return
		case frag, ok := <-fragments:
			if !ok {
				fragments = nil
				continue
			}
			s.acc.Append(frag)
		case <-ticker.C():
			s.mu.Lock()
			s.seconds++
			seconds := s.seconds
			s.mu.Unlock()
			s.events.Emit(Event{Type: EventTick, Seconds: seconds, Bytes: s.acc.Len()})

			if seconds >= maxTicks {
				msg := fmt.Sprintf("录音已达到最大时长 %d 秒，已自动停止", int(s.options.MaxDuration/time.Second))
				log.Printf("[capture] auto-stopping at %ds", seconds)
				rec, err := s.finish(true)
				s.events.Emit(Event{Type: EventAutoStop, Seconds: seconds, Bytes: len(rec.PCM), Message: msg})
				if err != nil {
					log.Printf("[capture] auto-stopped recording rejected: %v", err)
				}
				return
			}
		}
	}
}

// Stop 停止录音并校验大小，成功时返回录音。
// 已自动停止时返回那段录音。
func (s *Session) Stop() (Recording, error) {
	s.mu.Lock()
	switch s.state {
	case StateStopped:
		rec := *s.result
		s.mu.Unlock()
		return rec, nil
	case StateIdle:
		err := s.takeRejectedLocked(ErrNotRecording)
		s.mu.Unlock()
		return Recording{}, err
	}
	done := s.done
	closeSignal(s.stopCh)
	s.mu.Unlock()
	<-done

	s.mu.Lock()
	switch {
	case s.state == StateStopped:
		rec := *s.result
		s.mu.Unlock()
		return rec, nil
	case s.state == StateIdle && s.rejected != nil:
		err := s.takeRejectedLocked(ErrNotRecording)
		s.mu.Unlock()
		return Recording{}, err
	}
	s.mu.Unlock()

	rec, err := s.finish(false)
	if err == nil {
		s.events.Emit(Event{Type: EventStopped, Seconds: rec.Seconds(), Bytes: len(rec.PCM)})
	}
	return rec, err
}

// finish 释放设备、拼接分片并校验大小
func (s *Session) finish(auto bool) (Recording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRecording {
		if s.result != nil {
			return *s.result, nil
		}
		return Recording{}, ErrNotRecording
	}

	s.releaseLocked()

	data := s.acc.Bytes()
	rec := Recording{
		PCM:         data,
		Format:      s.options.Format,
		StartedAt:   s.startedAt,
		Duration:    time.Duration(s.seconds) * s.options.Tick,
		AutoStopped: auto,
	}

	var err error
	switch {
	case len(data) < s.options.MinBytes:
		err = fmt.Errorf("%w: %d bytes (minimum %d)", ErrTooShort, len(data), s.options.MinBytes)
	case len(data) > s.options.MaxBytes:
		err = fmt.Errorf("%w: %d bytes (maximum %d)", ErrTooLarge, len(data), s.options.MaxBytes)
	}
	if err != nil {
		s.resetLocked()
		if auto {
			s.rejected = err
		}
		return rec, err
	}

	s.state = StateStopped
	s.result = &rec
	log.Printf("[capture] recording stopped: %ds, %d bytes", rec.Seconds(), len(data))
	return rec, nil
}

// releaseLocked 关闭设备并收取剩余分片
func (s *Session) releaseLocked() {
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
	if s.stream == nil {
		return
	}
	stream := s.stream
	s.stream = nil

	if err := stream.Close(); err != nil {
		log.Printf("[capture] close microphone: %v", err)
	}

	timeout := time.NewTimer(s.options.DrainWait)
	defer timeout.Stop()
	for {
		select {
		case frag, ok := <-stream.Fragments():
			if !ok {
				return
			}
			s.acc.Append(frag)
		case <-timeout.C:
			log.Printf("[capture] microphone did not close its fragment stream in %s", s.options.DrainWait)
			return
		}
	}
}

// Pending 返回已停止但尚未取走的录音，不改变状态
func (s *Session) Pending() (Recording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateStopped || s.result == nil {
		return Recording{}, s.takeRejectedLocked(ErrNoRecording)
	}
	return *s.result, nil
}

// Consume 取走 rec 并回到 idle。持有的已不是 rec 时返回 false。
func (s *Session) Consume(rec Recording) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateStopped || s.result == nil || !s.result.StartedAt.Equal(rec.StartedAt) {
		return false
	}
	s.resetLocked()
	return true
}

// Discard 丢弃当前录音（进行中或已停止）并回到 idle
func (s *Session) Discard() {
	s.mu.Lock()
	state, done := s.state, s.done
	if state == StateRecording {
		closeSignal(s.stopCh)
	}
	s.mu.Unlock()

	if state == StateRecording {
		<-done
	}

	s.mu.Lock()
	s.releaseLocked()
	s.resetLocked()
	s.rejected = nil
	s.mu.Unlock()

	if state != StateIdle {
		log.Printf("[capture] recording discarded")
		s.events.Emit(Event{Type: EventDiscarded})
	}
}

// Close 释放所有资源
func (s *Session) Close() error {
	s.Discard()
	s.events.Clear()
	return nil
}

func (s *Session) resetLocked() {
	s.state = StateIdle
	s.acc.Reset()
	s.seconds = 0
	s.result = nil
}

// takeRejectedLocked 返回并清除自动停止时的校验错误，没有时返回 fallback
func (s *Session) takeRejectedLocked(fallback error) error {
	if s.rejected == nil {
		return fallback
	}
	err := s.rejected
	s.rejected = nil
	return err
}

func closeSignal(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}
