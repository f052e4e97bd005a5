package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/z-assistant/internal/event"
)

// State 连接状态
type State string

const (
	StateIdle            State = "idle"
	StateConnecting      State = "connecting"
	StateOpen            State = "open"
	StateClosed          State = "closed"
	StateReconnectFailed State = "reconnect_failed"
)

// EventType 连接生命周期事件
type EventType string

const (
	EventOpening         EventType = "opening"
	EventOpen            EventType = "open"
	EventClosed          EventType = "closed"
	EventError           EventType = "error"
	EventReconnecting    EventType = "reconnecting"
	EventReconnectFailed EventType = "reconnect_failed"
)

// Event 连接事件
type Event struct {
	Type    EventType     `json:"type"`
	Channel ChannelName   `json:"channel"`
	Attempt int           `json:"attempt,omitempty"`
	Delay   time.Duration `json:"delay,omitempty"`
	Reason  string        `json:"reason,omitempty"`
	Err     error         `json:"-"`
	Time    time.Time     `json:"time"`
}

// HeartbeatMode 心跳方式
type HeartbeatMode string

const (
	// HeartbeatPing 使用 WebSocket ping 控制帧
	HeartbeatPing HeartbeatMode = "ping"
	// HeartbeatJSON 发送 {"type":"heartbeat"} 信封
	HeartbeatJSON HeartbeatMode = "json"
	// HeartbeatOff 不发送心跳
	HeartbeatOff HeartbeatMode = "off"
)

// ConnectionOptions 连接配置选项
type ConnectionOptions struct {
	HandshakeTimeout  time.Duration // 握手超时
	WriteTimeout      time.Duration // 写超时
	PongWait          time.Duration // 读空闲超时，0 表示不设置
	HeartbeatInterval time.Duration // 心跳间隔
	HeartbeatMode     HeartbeatMode // 心跳方式
	MaxAttempts       int           // 最大重连次数，负数表示不限
	BaseDelay         time.Duration // 首次重连延迟
	MaxDelay          time.Duration // 重连延迟上限，0 表示不封顶
	ReadLimit         int64         // 单帧最大字节数
	Header            http.Header
	Query             func() url.Values // 每次拨号时调用
}

// DefaultConnectionOptions 默认连接选项
func DefaultConnectionOptions() *ConnectionOptions {
	return &ConnectionOptions{
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatMode:     HeartbeatJSON,
		MaxAttempts:       5,
		BaseDelay:         2 * time.Second,
		ReadLimit:         32 << 20,
	}
}

// Backoff 返回第 attempt 次重连前的等待时间：base * 2^(attempt-1)。
func (o *ConnectionOptions) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 30 {
		shift = 30
	}
	delay := o.BaseDelay << uint(shift)
	if o.MaxDelay > 0 && delay > o.MaxDelay {
		delay = o.MaxDelay
	}
	return delay
}

// Connection 管理单个 WebSocket 连接的建立、重连与心跳
type Connection struct {
	name    ChannelName
	rawURL  string
	options ConnectionOptions

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	attempts int
	running  bool
	stopCh   chan struct{}
	done     chan struct{}
	cancel   context.CancelFunc

	writeMu sync.Mutex

	events *event.Bus[Event]
	frames *event.Bus[Frame]
}

// NewConnection 创建连接，不会立即拨号
func NewConnection(name ChannelName, rawURL string, options *ConnectionOptions) *Connection {
	if options == nil {
		options = DefaultConnectionOptions()
	}
	opts := *options
	if opts.HeartbeatMode == "" {
		opts.HeartbeatMode = HeartbeatOff
	}

	return &Connection{
		name:    name,
		rawURL:  rawURL,
		options: opts,
		state:   StateIdle,
		events:  event.NewBus[Event](string(name) + ".events"),
		frames:  event.NewBus[Frame](string(name) + ".frames"),
	}
}

// Name 通道名
func (c *Connection) Name() ChannelName { return c.name }

// State 当前状态
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts 当前连续重连次数
func (c *Connection) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// OnEvent 订阅生命周期事件
func (c *Connection) OnEvent(fn func(Event)) *event.Subscription {
	return c.events.On(fn)
}

// OnFrame 订阅入站帧，回调在读循环中同步执行
func (c *Connection) OnFrame(fn func(Frame)) *event.Subscription {
	return c.frames.On(fn)
}

// Connect 建立连接并启动后台监管协程。
// 首次拨号失败时返回错误，后台仍会按退避策略重连。
// 已在运行时为空操作。
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.attempts = 0
	stopCh := make(chan struct{})
	done := make(chan struct{})
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.stopCh, c.done, c.cancel = stopCh, done, cancel
	c.mu.Unlock()

	first := make(chan error, 1)
	go c.supervise(runCtx, stopCh, done, first)

	select {
	case err := <-first:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reconnect 在放弃重连 (reconnect_failed) 后重新开始拨号并清零重试计数。
// 其它状态下为空操作。
func (c *Connection) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	failed := c.state == StateReconnectFailed
	done := c.done
	c.mu.Unlock()
	if !failed {
		return nil
	}

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	log.Printf("[realtime] %s: manual reconnect requested", c.name)
	return c.Connect(ctx)
}

// Disconnect 由调用方主动关闭，不触发重连，阻塞至后台协程退出。
func (c *Connection) Disconnect() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	stopCh, done, cancel, conn := c.stopCh, c.done, c.cancel, c.conn
	select {
	case <-stopCh:
	default:
		close(stopCh)
	}
	c.mu.Unlock()

	cancel()
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"))
		c.writeMu.Unlock()
		conn.Close()
	}
	<-done
}

// Drop 丢弃当前底层连接，按意外断开处理并进入重连流程。
func (c *Connection) Drop(reason string) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	log.Printf("[realtime] %s: dropping connection: %s", c.name, reason)
	conn.Close()
}

// Send 发送一条消息，未处于 open 状态时返回 ErrNotConnected
func (c *Connection) Send(messageType int, data []byte) error {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	if state != StateOpen || conn == nil {
		return channelErr(c.name, ErrNotConnected)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.options.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(c.options.WriteTimeout))
	}
	if err := conn.WriteMessage(messageType, data); err != nil {
		return channelErr(c.name, fmt.Errorf("write failed: %w", err))
	}
	return nil
}

// SendText 发送文本帧
func (c *Connection) SendText(text string) error {
	return c.Send(websocket.TextMessage, []byte(text))
}

// SendBinary 发送二进制帧
func (c *Connection) SendBinary(data []byte) error {
	return c.Send(websocket.BinaryMessage, data)
}

// SendJSON 序列化后以文本帧发送
func (c *Connection) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", c.name, err)
	}
	return c.Send(websocket.TextMessage, data)
}

func (c *Connection) supervise(ctx context.Context, stopCh, done chan struct{}, first chan<- error) {
	defer func() {
		c.mu.Lock()
		c.running = false
		c.conn = nil
		c.mu.Unlock()
		close(done)
	}()

	conn, err := c.open(ctx, stopCh)
	first <- err

	for {
		if err == nil {
			readErr := c.readLoop(conn)
			c.detach(conn, readErr, stopCh)
		}

		if isStopped(stopCh) {
			c.setState(StateClosed)
			return
		}

		c.mu.Lock()
		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()

		if c.options.MaxAttempts >= 0 && attempt > c.options.MaxAttempts {
			c.setState(StateReconnectFailed)
			log.Printf("[realtime] %s: giving up after %d reconnect attempts", c.name, attempt-1)
			c.emit(Event{Type: EventReconnectFailed, Attempt: attempt - 1, Err: channelErr(c.name, ErrReconnectExhausted)})
			return
		}

		delay := c.options.Backoff(attempt)
		log.Printf("[realtime] %s: reconnecting in %s (attempt %d)", c.name, delay, attempt)
		c.emit(Event{Type: EventReconnecting, Attempt: attempt, Delay: delay})

		timer := time.NewTimer(delay)
		select {
		case <-stopCh:
			timer.Stop()
			c.setState(StateClosed)
			return
		case <-timer.C:
		}

		conn, err = c.open(ctx, stopCh)
	}
}

// open 拨号并切换到 open 状态
func (c *Connection) open(ctx context.Context, stopCh chan struct{}) (*websocket.Conn, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	if !c.attach(conn, stopCh) {
		return nil, channelErr(c.name, ErrClosed)
	}
	return conn, nil
}

func (c *Connection) dial(ctx context.Context) (*websocket.Conn, error) {
	c.setState(StateConnecting)
	c.emit(Event{Type: EventOpening})

	target, err := c.dialURL()
	if err != nil {
		c.setState(StateClosed)
		c.emit(Event{Type: EventError, Err: err, Reason: err.Error()})
		return nil, channelErr(c.name, err)
	}

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.options.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, target, c.options.Header)
	if err != nil {
		c.setState(StateClosed)
		log.Printf("[realtime] %s: dial failed: %v", c.name, err)
		c.emit(Event{Type: EventError, Err: err, Reason: err.Error()})
		return nil, channelErr(c.name, fmt.Errorf("websocket dial failed: %w", err))
	}
	return conn, nil
}

func (c *Connection) dialURL() (string, error) {
	u, err := url.Parse(c.rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", c.rawURL, err)
	}
	if c.options.Query != nil {
		q := u.Query()
		for key, values := range c.options.Query() {
			q.Del(key)
			for _, v := range values {
				q.Add(key, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Connection) attach(conn *websocket.Conn, stopCh chan struct{}) bool {
	if c.options.ReadLimit > 0 {
		conn.SetReadLimit(c.options.ReadLimit)
	}
	if c.options.PongWait > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(c.options.PongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(c.options.PongWait))
		})
	}

	c.mu.Lock()
	if isStopped(stopCh) {
		c.mu.Unlock()
		conn.Close()
		return false
	}
	c.conn = conn
	c.state = StateOpen
	c.attempts = 0
	c.mu.Unlock()

	log.Printf("[realtime] %s: connected", c.name)
	c.emit(Event{Type: EventOpen})
	return true
}

func (c *Connection) readLoop(conn *websocket.Conn) error {
	heartbeatStop := make(chan struct{})
	defer close(heartbeatStop)
	if c.options.HeartbeatMode != HeartbeatOff && c.options.HeartbeatInterval > 0 {
		go c.heartbeatLoop(conn, heartbeatStop)
	}

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if c.options.PongWait > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(c.options.PongWait))
		}

		frame := Frame{Type: FrameText, Data: data, Received: time.Now()}
		if messageType == websocket.BinaryMessage {
			frame.Type = FrameBinary
		}
		c.frames.Emit(frame)
	}
}

func (c *Connection) detach(conn *websocket.Conn, readErr error, stopCh chan struct{}) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.state = StateClosed
	c.mu.Unlock()
	conn.Close()

	reason := closeReason(readErr)
	if isStopped(stopCh) {
		reason = "client disconnect"
	} else {
		log.Printf("[realtime] %s: connection closed: %s", c.name, reason)
	}
	c.emit(Event{Type: EventClosed, Reason: reason, Err: readErr})
}

// heartbeatLoop 定期发送心跳，连接关闭时退出
func (c *Connection) heartbeatLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.options.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			var err error
			switch c.options.HeartbeatMode {
			case HeartbeatPing:
				c.writeMu.Lock()
				if c.options.WriteTimeout > 0 {
					_ = conn.SetWriteDeadline(time.Now().Add(c.options.WriteTimeout))
				}
				err = conn.WriteMessage(websocket.PingMessage, nil)
				c.writeMu.Unlock()
			case HeartbeatJSON:
				err = c.SendJSON(NewHeartbeat(now))
			}
			if err != nil {
				log.Printf("[realtime] %s: heartbeat failed: %v", c.name, err)
				return
			}
		}
	}
}

func (c *Connection) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *Connection) emit(ev Event) {
	ev.Channel = c.name
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	c.events.Emit(ev)
}

func isStopped(stopCh <-chan struct{}) bool {
	select {
	case <-stopCh:
		return true
	default:
		return false
	}
}

func closeReason(err error) string {
	if err == nil {
		return "closed"
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		if closeErr.Text != "" {
			return fmt.Sprintf("%d %s", closeErr.Code, closeErr.Text)
		}
		return fmt.Sprintf("close %d", closeErr.Code)
	}
	return err.Error()
}

// IsRetryableError 判断错误是否属于可通过重连恢复的传输错误
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotConnected) || errors.Is(err, ErrChannelNotConnected) || errors.Is(err, ErrConnectionLost) {
		return true
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return false
	}
	return websocket.IsUnexpectedCloseError(err) || errors.Is(err, websocket.ErrCloseSent)
}
