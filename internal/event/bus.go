package event

import (
	"log"
	"runtime/debug"
	"sync"
)

// Subscription 表示一次监听注册，Off 可重复调用。
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Off 取消监听。
func (s *Subscription) Off() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

type listener[T any] struct {
	id uint64
	fn func(T)
}

// Bus 是一个按注册顺序分发的事件总线。
// 单个监听器 panic 不会影响其他监听器。
type Bus[T any] struct {
	name string

	mu        sync.RWMutex
	nextID    uint64
	listeners []listener[T]
}

// NewBus 创建事件总线，name 仅用于日志。
func NewBus[T any](name string) *Bus[T] {
	return &Bus[T]{name: name}
}

// On 注册监听器。
func (b *Bus[T]) On(fn func(T)) *Subscription {
	if fn == nil {
		return &Subscription{}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, listener[T]{id: id, fn: fn})
	b.mu.Unlock()

	return &Subscription{cancel: func() { b.remove(id) }}
}

func (b *Bus[T]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, l := range b.listeners {
		if l.id == id {
			b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
			return
		}
	}
}

// Emit 同步通知所有监听器。
func (b *Bus[T]) Emit(value T) {
	b.mu.RLock()
	snapshot := make([]listener[T], len(b.listeners))
	copy(snapshot, b.listeners)
	b.mu.RUnlock()

	for _, l := range snapshot {
		b.invoke(l.fn, value)
	}
}

func (b *Bus[T]) invoke(fn func(T), value T) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[event] %s listener panic: %v\n%s", b.name, r, debug.Stack())
		}
	}()
	fn(value)
}

// Len 返回当前监听器数量。
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Clear 移除所有监听器。
func (b *Bus[T]) Clear() {
	b.mu.Lock()
	b.listeners = nil
	b.mu.Unlock()
}
