package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/z-assistant/internal/event"
	model "github.com/zhouzirui/z-assistant/internal/model/chat"
	"github.com/zhouzirui/z-assistant/internal/service/capture"
	"github.com/zhouzirui/z-assistant/internal/service/realtime"
)

var (
	ErrEmptyMessage    = errors.New("message content is required")
	ErrSendFailed      = errors.New("message was not sent")
	ErrEmptyTranscript = errors.New("speech recognition returned no text")
	ErrPlaybackBusy    = errors.New("audio playback already in progress")
	ErrEntryNotFound   = errors.New("transcript entry not found")
	ErrNoMedia         = errors.New("transcript entry has no audio")
	ErrNoPlayer        = errors.New("audio output unavailable")
	ErrNoSpeech        = errors.New("speech recognition unavailable")
	ErrClosed          = errors.New("chat session closed")
)

// Dialogue 对话通道的发送与分发能力，由 realtime.Multiplexer 实现
type Dialogue interface {
	SendText(text string) error
	Dispatcher() *realtime.Dispatcher
}

// Speech 语音识别与合成，由 realtime.Correlator 实现
type Speech interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
	Synthesize(ctx context.Context, text string) (realtime.Frame, error)
}

// Recordings 提供已完成的录音，由 capture.Session 实现
type Recordings interface {
	Pending() (capture.Recording, error)
	Consume(rec capture.Recording) bool
}

// Player 播放 PCM 音频，返回时播放结束
type Player interface {
	Play(ctx context.Context, pcm []byte, format capture.Format) error
}

// State 会话状态
type State string

const (
	StateInactive State = "inactive"
	StateActive   State = "active"
)

// NoticeLevel 通知级别
type NoticeLevel string

const (
	NoticeInfo    NoticeLevel = "info"
	NoticeWarning NoticeLevel = "warning"
	NoticeError   NoticeLevel = "error"
)

// Notice 面向用户的一条提示，每个失败只产生一条
type Notice struct {
	Level   NoticeLevel `json:"level"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Time    time.Time   `json:"time"`
}

// UpdateType 会话变更类型
type UpdateType string

const (
	UpdateEntryAdded   UpdateType = "entry_added"
	UpdateEntryChanged UpdateType = "entry_changed"
	UpdateProcessing   UpdateType = "processing"
	UpdatePlayback     UpdateType = "playback"
)

// Update 推送给订阅方的会话变更
type Update struct {
	Type       UpdateType   `json:"type"`
	Entry      *model.Entry `json:"entry,omitempty"`
	State      State        `json:"state"`
	Processing bool         `json:"processing"`
	Playing    bool         `json:"playing"`
}

// Options 会话选项
type Options struct {
	// SpeakReplies 上一条用户消息是语音时，是否合成并播放助手回复
	SpeakReplies bool
	// OutputFormat 合成音频为裸 PCM 且没有元数据时使用的格式
	OutputFormat capture.Format
}

// DefaultOptions 默认选项
func DefaultOptions() Options {
	return Options{SpeakReplies: true, OutputFormat: capture.DefaultFormat()}
}

type clip struct {
	pcm    []byte
	format capture.Format
}

// Session 持有有序的对话记录，串联录音、识别、发送、合成与播放
type Session struct {
	dialogue   Dialogue
	speech     Speech
	recordings Recordings
	player     Player
	options    Options

	mu         sync.Mutex
	state      State
	entries    []model.Entry
	clips      map[string]clip
	processing bool
	titled     bool
	closed     bool

	playing atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	updates *event.Bus[Update]
	notices *event.Bus[Notice]
	titles  *event.Bus[string]
	storage *event.Bus[realtime.ServerMessage]
	subs    []*event.Subscription
}

// NewSession 创建会话并注册对话通道的消息处理
func NewSession(dialogue Dialogue, speech Speech, recordings Recordings, player Player, options Options) *Session {
	if options.OutputFormat == (capture.Format{}) {
		options.OutputFormat = capture.DefaultFormat()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		dialogue:   dialogue,
		speech:     speech,
		recordings: recordings,
		player:     player,
		options:    options,
		state:      StateInactive,
		clips:      make(map[string]clip),
		ctx:        ctx,
		cancel:     cancel,
		updates:    event.NewBus[Update]("chat.update"),
		notices:    event.NewBus[Notice]("chat.notice"),
		titles:     event.NewBus[string]("chat.title"),
		storage:    event.NewBus[realtime.ServerMessage]("chat.storage"),
	}

	if dialogue != nil {
		d := dialogue.Dispatcher()
		s.subs = append(s.subs,
			d.On(realtime.KindText, s.onText),
			d.On(realtime.KindTable, s.onTable),
			d.On(realtime.KindProcessing, s.onProcessing),
			d.On(realtime.KindStorage, s.onStorage),
			d.On(realtime.KindError, s.onServerError),
			d.On(realtime.KindHeartbeat, func(realtime.ServerMessage) {}),
			d.OnUnhandled(s.onUnhandled),
		)
	}
	return s
}

// OnUpdate 订阅会话变更
func (s *Session) OnUpdate(fn func(Update)) *event.Subscription { return s.updates.On(fn) }

// OnNotify 订阅用户提示
func (s *Session) OnNotify(fn func(Notice)) *event.Subscription { return s.notices.On(fn) }

// OnTitle 订阅首条用户消息，用于生成会话标题，只触发一次
func (s *Session) OnTitle(fn func(string)) *event.Subscription { return s.titles.On(fn) }

// OnStorage 订阅服务端的 storage 消息
func (s *Session) OnStorage(fn func(realtime.ServerMessage)) *event.Subscription {
	return s.storage.On(fn)
}

// State 当前状态
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Processing 服务端是否正在处理上一条消息
func (s *Session) Processing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing
}

// Playing 是否有音频正在播放
func (s *Session) Playing() bool { return s.playing.Load() }

// Transcript 返回对话记录的副本
func (s *Session) Transcript() []model.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Entry 按 ID 查找一条记录
func (s *Session) Entry(id string) (model.Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(id); i >= 0 {
		return s.entries[i], true
	}
	return model.Entry{}, false
}

// SendText 发送文本消息，通道接受后才写入对话记录
func (s *Session) SendText(text string) (model.Entry, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return model.Entry{}, ErrEmptyMessage
	}
	return s.send(text, model.Entry{Role: model.RoleUser, Kind: model.KindText, Content: text}, nil)
}

// SendRecording 经 stt 识别已停止的录音并把文本发往对话通道。
// 识别或发送失败时录音保留，可以再次发送。
func (s *Session) SendRecording(ctx context.Context) (model.Entry, error) {
	if s.recordings == nil {
		return model.Entry{}, capture.ErrNoRecording
	}
	if s.speech == nil {
		s.notify(NoticeError, "stt_unavailable", "语音识别不可用")
		return model.Entry{}, fmt.Errorf("transcribe: %w", ErrNoSpeech)
	}

	rec, err := s.recordings.Pending()
	if err != nil {
		return model.Entry{}, err
	}
	audio, err := rec.WAV()
	if err != nil {
		s.recordings.Consume(rec)
		s.notify(NoticeError, "encode_failed", "录音数据无效")
		return model.Entry{}, fmt.Errorf("encode recording: %w", err)
	}

	text, err := s.speech.Transcribe(ctx, audio)
	if err != nil {
		log.Printf("[chat] transcribe failed, keeping recording for retry: %v", err)
		s.notify(NoticeError, "stt_failed", "语音识别失败，请重试")
		return model.Entry{}, fmt.Errorf("transcribe: %w", err)
	}
	if text == "" {
		s.recordings.Consume(rec)
		s.notify(NoticeWarning, "empty_transcript", "未识别到语音内容")
		return model.Entry{}, ErrEmptyTranscript
	}

	entry := model.Entry{
		Role:       model.RoleUser,
		Kind:       model.KindAudio,
		Content:    fmt.Sprintf("[语音消息 %d秒]", rec.Seconds()),
		Transcript: text,
		MediaRef:   uuid.NewString(),
		Duration:   rec.Duration.Seconds(),
	}
	added, err := s.send(text, entry, &clip{pcm: rec.PCM, format: rec.Format})
	if err != nil {
		return added, err
	}
	if !s.recordings.Consume(rec) {
		log.Printf("[chat] recording replaced while it was being sent")
	}
	return added, nil
}

// send 在锁内发送并追加记录，保证用户消息排在对应回复之前
func (s *Session) send(text string, entry model.Entry, media *clip) (model.Entry, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return model.Entry{}, ErrClosed
	}
	if err := s.dialogue.SendText(text); err != nil {
		s.mu.Unlock()
		log.Printf("[chat] send failed: %v", err)
		if IsRetryable(err) {
			s.notify(NoticeError, "not_connected", "连接未建立，请稍后重试")
		} else {
			s.notify(NoticeError, "send_failed", "发送信息失败，请稍后重试")
		}
		return model.Entry{}, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	if media != nil {
		s.clips[entry.MediaRef] = *media
	}
	added := s.appendLocked(entry)
	title := ""
	if !s.titled {
		s.titled = true
		title = text
	}
	update := s.updateLocked(UpdateEntryAdded, &added)
	s.mu.Unlock()

	s.updates.Emit(update)
	if title != "" {
		s.titles.Emit(title)
	}
	return added, nil
}

// IsRetryable 判断发送失败能否在重连后重试
func IsRetryable(err error) bool {
	return realtime.IsRetryableError(err)
}

func (s *Session) onText(msg realtime.ServerMessage) {
	body := msg.Body()
	if body == "" {
		log.Printf("[chat] ignoring empty text message")
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	speak := s.options.SpeakReplies && s.speech != nil && s.lastUserKindLocked() == model.KindAudio
	s.processing = false
	added := s.appendLocked(model.Entry{Role: model.RoleAssistant, Kind: model.KindText, Content: body})
	update := s.updateLocked(UpdateEntryAdded, &added)
	if speak {
		s.wg.Add(1)
	}
	s.mu.Unlock()

	s.updates.Emit(update)
	if speak {
		go s.speak(added.ID, body)
	}
}

func (s *Session) onTable(msg realtime.ServerMessage) {
	title := strings.TrimSpace(msg.Title)
	if title == "" {
		title = model.DefaultTableTitle
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.processing = false
	added := s.appendLocked(model.Entry{
		Role:    model.RoleAssistant,
		Kind:    model.KindTable,
		Content: title,
		Table:   model.NewTable(msg.TableData),
	})
	update := s.updateLocked(UpdateEntryAdded, &added)
	s.mu.Unlock()

	s.updates.Emit(update)
}

func (s *Session) onProcessing(realtime.ServerMessage) {
	s.mu.Lock()
	s.processing = true
	s.state = StateActive
	update := s.updateLocked(UpdateProcessing, nil)
	s.mu.Unlock()

	s.updates.Emit(update)
}

func (s *Session) onStorage(msg realtime.ServerMessage) {
	log.Printf("[chat] storage message received (%d bytes)", len(msg.Raw))
	s.storage.Emit(msg)
}

func (s *Session) onServerError(msg realtime.ServerMessage) {
	text := msg.Body()
	if text == "" {
		text = "服务端处理失败"
	}

	s.mu.Lock()
	wasProcessing := s.processing
	s.processing = false
	update := s.updateLocked(UpdateProcessing, nil)
	s.mu.Unlock()

	if wasProcessing {
		s.updates.Emit(update)
	}
	s.notify(NoticeError, "server_error", text)
}

func (s *Session) onUnhandled(msg realtime.ServerMessage) {
	if msg.Type == "" {
		return
	}
	log.Printf("[chat] unhandled dialogue message type=%q", msg.Type)
}

// speak 合成助手回复并播放，失败时只保留文本
func (s *Session) speak(entryID, text string) {
	defer s.wg.Done()

	frame, err := s.speech.Synthesize(s.ctx, text)
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		log.Printf("[chat] synthesize failed: %v", err)
		s.notify(NoticeError, "tts_failed", "语音合成失败，已显示文本回复")
		return
	}

	c, err := decodeClip(frame, s.options.OutputFormat)
	if err != nil {
		log.Printf("[chat] synthesized audio unusable: %v", err)
		s.notify(NoticeError, "tts_failed", "语音合成失败，已显示文本回复")
		return
	}

	ref := uuid.NewString()
	s.mu.Lock()
	i := s.indexLocked(entryID)
	if i < 0 || s.closed {
		s.mu.Unlock()
		return
	}
	s.clips[ref] = c
	s.entries[i].MediaRef = ref
	s.entries[i].Duration = c.format.Duration(len(c.pcm)).Seconds()
	changed := s.entries[i]
	update := s.updateLocked(UpdateEntryChanged, &changed)
	s.mu.Unlock()

	s.updates.Emit(update)
	if err := s.play(s.ctx, c); err != nil && !errors.Is(err, ErrPlaybackBusy) {
		log.Printf("[chat] reply playback failed: %v", err)
	}
}

// Play 重放记录中的音频
func (s *Session) Play(ctx context.Context, entryID string) error {
	s.mu.Lock()
	i := s.indexLocked(entryID)
	if i < 0 {
		s.mu.Unlock()
		return ErrEntryNotFound
	}
	c, ok := s.clips[s.entries[i].MediaRef]
	s.mu.Unlock()
	if !ok {
		return ErrNoMedia
	}
	return s.play(ctx, c)
}

// play 同一时刻只允许一段音频，冲突的请求直接拒绝
func (s *Session) play(ctx context.Context, c clip) error {
	if s.player == nil {
		s.notify(NoticeError, "playback_unavailable", "音频输出不可用")
		return ErrNoPlayer
	}
	if !s.playing.CompareAndSwap(false, true) {
		s.notify(NoticeWarning, "playback_busy", "请等待当前音频播放完毕")
		return ErrPlaybackBusy
	}
	s.emitPlayback()
	defer func() {
		s.playing.Store(false)
		s.emitPlayback()
	}()

	if err := s.player.Play(ctx, c.pcm, c.format); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.notify(NoticeError, "playback_failed", "语音播放失败")
		return fmt.Errorf("play audio: %w", err)
	}
	return nil
}

func (s *Session) emitPlayback() {
	s.mu.Lock()
	update := s.updateLocked(UpdatePlayback, nil)
	s.mu.Unlock()
	s.updates.Emit(update)
}

// Close 注销消息处理并等待后台合成结束
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Off()
	}
	s.cancel()
	s.wg.Wait()
	return nil
}

func (s *Session) notify(level NoticeLevel, code, message string) {
	s.notices.Emit(Notice{Level: level, Code: code, Message: message, Time: time.Now()})
}

func (s *Session) appendLocked(entry model.Entry) model.Entry {
	entry.ID = uuid.NewString()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	s.entries = append(s.entries, entry)
	s.state = StateActive
	return entry
}

func (s *Session) updateLocked(kind UpdateType, entry *model.Entry) Update {
	return Update{
		Type:       kind,
		Entry:      entry,
		State:      s.state,
		Processing: s.processing,
		Playing:    s.playing.Load(),
	}
}

func (s *Session) lastUserKindLocked() model.Kind {
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].Role == model.RoleUser {
			return s.entries[i].Kind
		}
	}
	return ""
}

func (s *Session) indexLocked(id string) int {
	for i := range s.entries {
		if s.entries[i].ID == id {
			return i
		}
	}
	return -1
}

// decodeClip 把 tts 回复转成可播放的 PCM，WAV 直接解析，裸 PCM 参考元数据
func decodeClip(frame realtime.Frame, fallback capture.Format) (clip, error) {
	if len(frame.Data) == 0 {
		return clip{}, errors.New("empty audio payload")
	}
	if capture.IsWAV(frame.Data) {
		pcm, format, err := capture.DecodeWAV(frame.Data)
		if err != nil {
			return clip{}, err
		}
		return clip{pcm: pcm, format: format}, nil
	}

	format := fallback
	if meta := frame.Meta; meta != nil {
		switch strings.ToLower(meta.Format) {
		case "", "pcm", "raw", "s16le", "wav":
		default:
			return clip{}, fmt.Errorf("unsupported audio format %q", meta.Format)
		}
		if meta.SampleRate > 0 {
			format.SampleRate = meta.SampleRate
		}
		if meta.Channels > 0 {
			format.Channels = meta.Channels
		}
	}
	return clip{pcm: frame.Data, format: format}, nil
}
