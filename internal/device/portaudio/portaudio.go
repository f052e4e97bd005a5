//go:build portaudio

// Package portaudio 提供基于 PortAudio 的麦克风与扬声器实现，需要 cgo 与系统 PortAudio 库。
package portaudio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/zhouzirui/z-assistant/internal/service/capture"
)

const framesPerBuffer = 1024

// Microphone 系统麦克风。DeviceID 为 0 时使用默认输入设备。
type Microphone struct {
	DeviceID int
}

// Open 打开输入流
func (m *Microphone) Open(_ context.Context, format capture.Format) (capture.Stream, error) {
	if format.BitsPerSample != 16 {
		return nil, fmt.Errorf("%w: only 16-bit capture is supported", capture.ErrUnsupported)
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: %v", capture.ErrUnsupported, err)
	}

	device, err := m.inputDevice()
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: format.Channels,
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      float64(format.SampleRate),
		FramesPerBuffer: framesPerBuffer,
	}

	s := &micStream{fragments: make(chan []byte, 64)}
	stream, err := portaudio.OpenStream(params, s.onSamples)
	if err != nil {
		portaudio.Terminate()
		return nil, mapOpenError(err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, mapOpenError(err)
	}
	s.stream = stream

	log.Printf("[device] capturing from %s", device.Name)
	return s, nil
}

func (m *Microphone) inputDevice() (*portaudio.DeviceInfo, error) {
	if m.DeviceID <= 0 {
		device, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("%w: no default input device: %v", capture.ErrUnsupported, err)
		}
		return device, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list audio devices: %w", err)
	}
	if m.DeviceID >= len(devices) {
		return nil, fmt.Errorf("%w: invalid device id %d", capture.ErrUnsupported, m.DeviceID)
	}
	device := devices[m.DeviceID]
	if device.MaxInputChannels == 0 {
		return nil, fmt.Errorf("%w: device %q has no input channels", capture.ErrUnsupported, device.Name)
	}
	return device, nil
}

func mapOpenError(err error) error {
	if strings.Contains(strings.ToLower(err.Error()), "permission") {
		return fmt.Errorf("%w: %v", capture.ErrPermissionDenied, err)
	}
	return fmt.Errorf("open input stream: %w", err)
}

type micStream struct {
	stream    *portaudio.Stream
	fragments chan []byte

	mu     sync.Mutex
	closed bool
}

func (s *micStream) Fragments() <-chan []byte { return s.fragments }

func (s *micStream) onSamples(in []int16) {
	buf := make([]byte, len(in)*2)
	for i, sample := range in {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(sample))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.fragments <- buf:
	default:
		log.Printf("[device] capture buffer full, dropping %d bytes", len(buf))
	}
}

// Close 停止输入流并释放 PortAudio
func (s *micStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	errStop := s.stream.Stop()
	errClose := s.stream.Close()

	s.mu.Lock()
	s.closed = true
	close(s.fragments)
	s.mu.Unlock()

	portaudio.Terminate()
	return errors.Join(errStop, errClose)
}

// Player 通过默认输出设备播放 PCM
type Player struct{}

// Play 阻塞直到播放完成或 ctx 取消
func (Player) Play(ctx context.Context, pcm []byte, format capture.Format) error {
	if format.BitsPerSample != 16 {
		return fmt.Errorf("unsupported sample width %d", format.BitsPerSample)
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	defer portaudio.Terminate()

	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}

	finished := make(chan struct{})
	var once sync.Once
	offset := 0
	stream, err := portaudio.OpenDefaultStream(0, format.Channels, float64(format.SampleRate), framesPerBuffer, func(out []int16) {
		n := copy(out, samples[offset:])
		offset += n
		for i := n; i < len(out); i++ {
			out[i] = 0
		}
		if offset >= len(samples) {
			once.Do(func() { close(finished) })
		}
	})
	if err != nil {
		return fmt.Errorf("failed to open audio stream: %w", err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("failed to start audio stream: %w", err)
	}

	select {
	case <-ctx.Done():
		_ = stream.Abort()
		return ctx.Err()
	case <-finished:
	}
	return stream.Stop()
}
