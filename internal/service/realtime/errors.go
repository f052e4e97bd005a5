package realtime

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotConnected 连接未处于 open 状态时发送
	ErrNotConnected = errors.New("connection not open")
	// ErrReconnectExhausted 重连次数用尽
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	// ErrChannelNotConnected 指定通道未连接
	ErrChannelNotConnected = errors.New("channel not connected")
	// ErrUnknownChannel 未注册的通道
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrProtocol 无法解析的帧
	ErrProtocol = errors.New("protocol error")
	// ErrRequestSuperseded 排队请求被更新的请求挤出
	ErrRequestSuperseded = errors.New("request superseded")
	// ErrRequestTimeout 请求在超时时间内未收到回复
	ErrRequestTimeout = errors.New("request timed out")
	// ErrConnectionLost 等待回复期间通道关闭
	ErrConnectionLost = errors.New("connection lost")
	// ErrClosed 组件已释放
	ErrClosed = errors.New("closed")
)

// ChannelError 附带通道名的错误
type ChannelError struct {
	Channel ChannelName
	Err     error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("%s channel: %v", e.Channel, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// ProtocolError 描述一条无法解码的入站帧
type ProtocolError struct {
	Channel ChannelName
	Raw     []byte
	Err     error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error on %s: %v", e.Channel, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Is 使 errors.Is(err, ErrProtocol) 成立
func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// RequestLeakError 表示一次关联请求被放弃（超时或调用方取消）
type RequestLeakError struct {
	Channel ChannelName
	Waited  time.Duration
	Err     error
}

func (e *RequestLeakError) Error() string {
	return fmt.Sprintf("%s request abandoned after %s: %v", e.Channel, e.Waited.Round(time.Millisecond), e.Err)
}

func (e *RequestLeakError) Unwrap() error { return e.Err }

func channelErr(ch ChannelName, err error) error {
	return &ChannelError{Channel: ch, Err: err}
}
