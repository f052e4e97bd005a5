package realtime

import (
	"errors"
	"log"

	"github.com/zhouzirui/z-assistant/internal/event"
)

var errBinaryOnDialogue = errors.New("unexpected binary frame")

// MessageHandler 处理一条对话信封
type MessageHandler func(ServerMessage)

// Dispatcher 以 MessageKind 为键的分发表。
// 未注册处理器的类型（包括无法解析的帧）交给 fallback，不会被静默丢弃。
type Dispatcher struct {
	channel  ChannelName
	routes   map[MessageKind]*event.Bus[ServerMessage]
	fallback *event.Bus[ServerMessage]
	errors   *event.Bus[error]
}

// NewDispatcher 创建分发表
func NewDispatcher(channel ChannelName) *Dispatcher {
	d := &Dispatcher{
		channel:  channel,
		routes:   make(map[MessageKind]*event.Bus[ServerMessage], len(kindNames)),
		fallback: event.NewBus[ServerMessage](string(channel) + ".fallback"),
		errors:   event.NewBus[error](string(channel) + ".protocol"),
	}
	for kind := range kindNames {
		if kind == KindUnknown {
			continue
		}
		d.routes[kind] = event.NewBus[ServerMessage](string(channel) + "." + kind.String())
	}
	return d
}

// On 为指定类型注册处理器
func (d *Dispatcher) On(kind MessageKind, handler MessageHandler) *event.Subscription {
	bus, ok := d.routes[kind]
	if !ok {
		return d.fallback.On(handler)
	}
	return bus.On(handler)
}

// OnUnhandled 注册 fallback 处理器
func (d *Dispatcher) OnUnhandled(handler MessageHandler) *event.Subscription {
	return d.fallback.On(handler)
}

// OnProtocolError 注册解析失败回调
func (d *Dispatcher) OnProtocolError(fn func(error)) *event.Subscription {
	return d.errors.On(fn)
}

// Handle 解码并分发一条入站帧
func (d *Dispatcher) Handle(frame Frame) {
	if frame.IsBinary() {
		d.protocolError(frame, errBinaryOnDialogue)
		return
	}

	msg, err := DecodeServerMessage(frame.Data)
	if err != nil {
		d.protocolError(frame, err)
		return
	}

	d.route(msg)
}

func (d *Dispatcher) route(msg ServerMessage) {
	kind := msg.Kind()
	if bus, ok := d.routes[kind]; ok && bus.Len() > 0 {
		bus.Emit(msg)
		return
	}

	if d.fallback.Len() == 0 {
		log.Printf("[realtime] %s: unhandled message type %q", d.channel, msg.Type)
		return
	}
	d.fallback.Emit(msg)
}

func (d *Dispatcher) protocolError(frame Frame, err error) {
	perr := &ProtocolError{Channel: d.channel, Raw: frame.Data, Err: err}
	log.Printf("[realtime] %v", perr)
	d.errors.Emit(perr)
	d.fallback.Emit(ServerMessage{Raw: append([]byte(nil), frame.Data...)})
}

// Clear 移除所有处理器
func (d *Dispatcher) Clear() {
	for _, bus := range d.routes {
		bus.Clear()
	}
	d.fallback.Clear()
	d.errors.Clear()
}
