package realtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zhouzirui/z-assistant/internal/event"
)

// FrameHandler 处理某个通道上的入站帧
type FrameHandler func(Frame)

// ChannelSpec 通道定义
type ChannelSpec struct {
	Name     ChannelName
	Path     string
	Required bool
	Audio    bool
}

// DefaultChannelSpecs 默认的三个逻辑通道
func DefaultChannelSpecs() []ChannelSpec {
	return []ChannelSpec{
		{Name: ChannelDialogue, Path: "", Required: true},
		{Name: ChannelTTS, Path: "/tts", Required: true, Audio: true},
		{Name: ChannelSTT, Path: "/stt", Required: true, Audio: true},
	}
}

// Identity 返回当前用户标识与资料，用于握手与文本发送
type Identity func() (userID string, info map[string]string)

// MultiplexerOptions 多路复用器配置
type MultiplexerOptions struct {
	BaseURL        string
	Channels       []ChannelSpec
	Connection     *ConnectionOptions
	MetadataWindow time.Duration // 二进制帧等待后置元数据的时间，0 表示仅接受前置元数据
	Identity       Identity
}

// ChannelStatus 单个通道状态快照
type ChannelStatus struct {
	Name     ChannelName `json:"name"`
	State    State       `json:"state"`
	Attempts int         `json:"attempts"`
	Required bool        `json:"required"`
}

// Status 所有通道状态快照
type Status struct {
	Channels []ChannelStatus `json:"channels"`
	Ready    bool            `json:"ready"`
}

// Channel 返回指定通道的状态
func (s Status) Channel(name ChannelName) (ChannelStatus, bool) {
	for _, ch := range s.Channels {
		if ch.Name == name {
			return ch, true
		}
	}
	return ChannelStatus{}, false
}

type muxChannel struct {
	spec ChannelSpec
	conn *Connection
	asm  *assembler

	mu      sync.Mutex
	handler FrameHandler
}

func (m *muxChannel) currentHandler() FrameHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handler
}

// Multiplexer 持有固定的一组命名连接
type Multiplexer struct {
	options MultiplexerOptions

	mu          sync.Mutex
	initialized bool
	closed      bool

	channels map[ChannelName]*muxChannel
	order    []ChannelName

	dispatcher *Dispatcher
	events     *event.Bus[Event]
	taps       *event.Bus[TappedFrame]
	subs       []*event.Subscription
}

// TappedFrame 供观测使用的入站帧副本
type TappedFrame struct {
	Channel ChannelName
	Frame   Frame
}

// NewMultiplexer 创建多路复用器，通道在 InitAll 时才会拨号
func NewMultiplexer(options MultiplexerOptions) (*Multiplexer, error) {
	if strings.TrimSpace(options.BaseURL) == "" {
		return nil, errors.New("base url is required")
	}
	if _, err := url.Parse(options.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if len(options.Channels) == 0 {
		options.Channels = DefaultChannelSpecs()
	}
	if options.Connection == nil {
		options.Connection = DefaultConnectionOptions()
	}

	m := &Multiplexer{
		options:    options,
		channels:   make(map[ChannelName]*muxChannel, len(options.Channels)),
		dispatcher: NewDispatcher(ChannelDialogue),
		events:     event.NewBus[Event]("mux.events"),
		taps:       event.NewBus[TappedFrame]("mux.frames"),
	}

	connOpts := *options.Connection
	userQuery := connOpts.Query
	connOpts.Query = func() url.Values {
		q := url.Values{}
		if userQuery != nil {
			for k, v := range userQuery() {
				q[k] = v
			}
		}
		if options.Identity != nil {
			if userID, _ := options.Identity(); userID != "" {
				q.Set("userId", userID)
			}
		}
		q.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		return q
	}

	for _, spec := range options.Channels {
		if _, exists := m.channels[spec.Name]; exists {
			return nil, fmt.Errorf("duplicate channel %q", spec.Name)
		}
		ch := &muxChannel{spec: spec}
		ch.conn = NewConnection(spec.Name, joinURL(options.BaseURL, spec.Path), &connOpts)
		if spec.Audio {
			ch.asm = newAssembler(spec.Name, options.MetadataWindow, m.deliverFunc(ch))
		}
		if spec.Name == ChannelDialogue {
			ch.handler = m.dispatcher.Handle
		}

		m.channels[spec.Name] = ch
		m.order = append(m.order, spec.Name)
		m.subs = append(m.subs,
			ch.conn.OnFrame(m.frameFunc(ch)),
			ch.conn.OnEvent(m.eventFunc(ch)),
		)
	}

	return m, nil
}

func joinURL(base, path string) string {
	if path == "" {
		return base
	}
	u, err := url.Parse(base)
	if err != nil {
		return strings.TrimRight(base, "/") + path
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	return u.String()
}

func (m *Multiplexer) frameFunc(ch *muxChannel) func(Frame) {
	deliver := m.deliverFunc(ch)
	return func(frame Frame) {
		m.taps.Emit(TappedFrame{Channel: ch.spec.Name, Frame: frame})
		if ch.asm != nil {
			ch.asm.push(frame)
			return
		}
		deliver(frame)
	}
}

func (m *Multiplexer) deliverFunc(ch *muxChannel) func(Frame) {
	return func(frame Frame) {
		handler := ch.currentHandler()
		if handler == nil {
			log.Printf("[realtime] %s: dropping unsolicited %d-byte frame", ch.spec.Name, len(frame.Data))
			return
		}
		handler(frame)
	}
}

func (m *Multiplexer) eventFunc(ch *muxChannel) func(Event) {
	return func(ev Event) {
		switch ev.Type {
		case EventClosed:
			if ch.asm != nil {
				ch.asm.flush()
			}
		case EventOpen:
			if ch.spec.Name == ChannelDialogue {
				m.handshake()
			}
		}
		m.events.Emit(ev)
	}
}

func (m *Multiplexer) handshake() {
	ch, ok := m.channels[ChannelDialogue]
	if !ok || m.options.Identity == nil {
		return
	}
	userID, info := m.options.Identity()
	if err := ch.conn.SendJSON(NewHandshake(userID, info)); err != nil {
		log.Printf("[realtime] handshake failed: %v", err)
	}
}

// InitAll 连接所有通道。重复调用只会重新拨号处于 reconnect_failed 的通道。
// 返回首次拨号错误的合并结果，失败的通道会在后台继续重连。
func (m *Multiplexer) InitAll(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	connect := func(c *Connection) error { return c.Connect(ctx) }
	if m.initialized {
		connect = func(c *Connection) error { return c.Reconnect(ctx) }
	}
	m.initialized = true
	m.mu.Unlock()

	var (
		wg   sync.WaitGroup
		errs = make([]error, len(m.order))
	)
	for i, name := range m.order {
		wg.Add(1)
		go func(i int, ch *muxChannel) {
			defer wg.Done()
			errs[i] = connect(ch.conn)
		}(i, m.channels[name])
	}
	wg.Wait()

	return errors.Join(errs...)
}

// Reconnect 重新拨号一个已放弃重连的通道，通道仍在连接或已打开时为空操作
func (m *Multiplexer) Reconnect(ctx context.Context, name ChannelName) error {
	ch, ok := m.channels[name]
	if !ok {
		return channelErr(name, ErrUnknownChannel)
	}
	m.mu.Lock()
	closed, initialized := m.closed, m.initialized
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !initialized {
		return m.InitAll(ctx)
	}
	return ch.conn.Reconnect(ctx)
}

// Initialized 是否已调用过 InitAll
func (m *Multiplexer) Initialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

// Status 返回通道状态快照
func (m *Multiplexer) Status() Status {
	status := Status{Channels: make([]ChannelStatus, 0, len(m.order)), Ready: true}
	for _, name := range m.order {
		ch := m.channels[name]
		st := ChannelStatus{
			Name:     name,
			State:    ch.conn.State(),
			Attempts: ch.conn.Attempts(),
			Required: ch.spec.Required,
		}
		if st.Required && st.State != StateOpen {
			status.Ready = false
		}
		status.Channels = append(status.Channels, st)
	}
	return status
}

// State 返回单个通道状态
func (m *Multiplexer) State(name ChannelName) State {
	ch, ok := m.channels[name]
	if !ok {
		return StateIdle
	}
	return ch.conn.State()
}

// Dispatcher 对话通道分发表
func (m *Multiplexer) Dispatcher() *Dispatcher { return m.dispatcher }

// OnEvent 订阅所有通道的生命周期事件
func (m *Multiplexer) OnEvent(fn func(Event)) *event.Subscription {
	return m.events.On(fn)
}

// OnFrame 订阅所有通道的原始入站帧（观测用途）
func (m *Multiplexer) OnFrame(fn func(TappedFrame)) *event.Subscription {
	return m.taps.On(fn)
}

// SetHandler 替换通道处理器并返回原处理器
func (m *Multiplexer) SetHandler(name ChannelName, handler FrameHandler) (FrameHandler, error) {
	ch, ok := m.channels[name]
	if !ok {
		return nil, channelErr(name, ErrUnknownChannel)
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	prev := ch.handler
	ch.handler = handler
	return prev, nil
}

// Drop 丢弃通道的底层连接并触发重连
func (m *Multiplexer) Drop(name ChannelName, reason string) {
	if ch, ok := m.channels[name]; ok {
		ch.conn.Drop(reason)
	}
}

func (m *Multiplexer) openChannel(name ChannelName) (*muxChannel, error) {
	ch, ok := m.channels[name]
	if !ok {
		return nil, channelErr(name, ErrUnknownChannel)
	}
	if ch.conn.State() != StateOpen {
		return nil, channelErr(name, ErrChannelNotConnected)
	}
	return ch, nil
}

func (m *Multiplexer) send(name ChannelName, fn func(*Connection) error) error {
	ch, err := m.openChannel(name)
	if err != nil {
		return err
	}
	if err := fn(ch.conn); err != nil {
		if errors.Is(err, ErrNotConnected) {
			return channelErr(name, ErrChannelNotConnected)
		}
		return err
	}
	return nil
}

// SendMessage 在对话通道上发送客户端信封
func (m *Multiplexer) SendMessage(msg ClientMessage) error {
	return m.send(ChannelDialogue, func(c *Connection) error { return c.SendJSON(msg) })
}

// SendText 以当前身份发送文本输入
func (m *Multiplexer) SendText(text string) error {
	var (
		userID string
		info   map[string]string
	)
	if m.options.Identity != nil {
		userID, info = m.options.Identity()
	}
	return m.SendMessage(NewTextMessage(userID, info, text))
}

// SendAudio 向 stt 通道发送原始音频
func (m *Multiplexer) SendAudio(data []byte) error {
	return m.SendBinary(ChannelSTT, data)
}

// SendString 在指定通道发送纯文本帧
func (m *Multiplexer) SendString(name ChannelName, text string) error {
	return m.send(name, func(c *Connection) error { return c.SendText(text) })
}

// SendBinary 在指定通道发送二进制帧
func (m *Multiplexer) SendBinary(name ChannelName, data []byte) error {
	return m.send(name, func(c *Connection) error { return c.SendBinary(data) })
}

// Close 断开所有通道并清除初始化标记
func (m *Multiplexer) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.initialized = false
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, name := range m.order {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			c.Disconnect()
		}(m.channels[name].conn)
	}
	wg.Wait()

	for _, sub := range m.subs {
		sub.Off()
	}
	m.dispatcher.Clear()
	m.events.Clear()
	m.taps.Clear()
	log.Println("[realtime] all channels closed")
	return nil
}
