//go:build !portaudio

// Package portaudio 在未启用 portaudio 构建标签时不可用。
package portaudio

import (
	"context"
	"fmt"

	"github.com/zhouzirui/z-assistant/internal/service/capture"
)

// Microphone 占位实现，总是返回 capture.ErrUnsupported
type Microphone struct {
	DeviceID int
}

// Open 返回 capture.ErrUnsupported
func (m *Microphone) Open(context.Context, capture.Format) (capture.Stream, error) {
	return nil, fmt.Errorf("%w: built without portaudio tag", capture.ErrUnsupported)
}

// Player 占位实现
type Player struct{}

// Play 返回 capture.ErrUnsupported
func (Player) Play(context.Context, []byte, capture.Format) error {
	return fmt.Errorf("%w: built without portaudio tag", capture.ErrUnsupported)
}
