package wavfile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/zhouzirui/z-assistant/internal/service/capture"
)

// Microphone 以文件内容模拟麦克风输入，按实时速率分片输出。
// 文件可以是 WAV 或与采集格式一致的裸 PCM。
type Microphone struct {
	Path          string
	ChunkDuration time.Duration
	Realtime      bool
}

// NewMicrophone 创建文件麦克风，默认按 100ms 分片实时推送
func NewMicrophone(path string) *Microphone {
	return &Microphone{Path: path, ChunkDuration: 100 * time.Millisecond, Realtime: true}
}

// Open 读取文件并开始推送分片
func (m *Microphone) Open(ctx context.Context, format capture.Format) (capture.Stream, error) {
	data, err := os.ReadFile(m.Path)
	if err != nil {
		switch {
		case errors.Is(err, os.ErrPermission):
			return nil, fmt.Errorf("%w: %v", capture.ErrPermissionDenied, err)
		case errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("%w: input %s not found", capture.ErrUnsupported, m.Path)
		default:
			return nil, fmt.Errorf("read input: %w", err)
		}
	}

	pcm := data
	if capture.IsWAV(data) {
		decoded, fileFormat, err := capture.DecodeWAV(data)
		if err != nil {
			return nil, err
		}
		if fileFormat != format {
			log.Printf("[device] input %s is %+v, capture expects %+v", m.Path, fileFormat, format)
		}
		pcm = decoded
	}

	chunkBytes := format.SampleRate * format.BlockAlign() * int(m.ChunkDuration) / int(time.Second)
	if chunkBytes <= 0 {
		chunkBytes = 3200
	}

	s := &fileStream{
		fragments: make(chan []byte, 16),
		stop:      make(chan struct{}),
	}
	go s.pump(pcm, chunkBytes, m.ChunkDuration, m.Realtime)
	return s, nil
}

type fileStream struct {
	fragments chan []byte
	stop      chan struct{}
	once      sync.Once
}

func (s *fileStream) Fragments() <-chan []byte { return s.fragments }

func (s *fileStream) pump(pcm []byte, chunkBytes int, interval time.Duration, realtime bool) {
	defer close(s.fragments)

	var ticker *time.Ticker
	if realtime && interval > 0 {
		ticker = time.NewTicker(interval)
		defer ticker.Stop()
	}

	for offset := 0; offset < len(pcm); offset += chunkBytes {
		end := offset + chunkBytes
		if end > len(pcm) {
			end = len(pcm)
		}

		if ticker != nil {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
			}
		}

		select {
		case <-s.stop:
			return
		case s.fragments <- pcm[offset:end]:
		}
	}
}

// Close 停止推送，返回后分片通道会被关闭
func (s *fileStream) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}
