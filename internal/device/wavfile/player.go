package wavfile

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/z-assistant/internal/service/capture"
)

// Player 把音频片段写入目录，并按片段时长阻塞以模拟播放
type Player struct {
	Dir      string
	Simulate bool
}

// NewPlayer 创建文件播放器
func NewPlayer(dir string, simulate bool) *Player {
	return &Player{Dir: dir, Simulate: simulate}
}

// Play 写出 WAV 文件；Simulate 为 true 时等待片段时长
func (p *Player) Play(ctx context.Context, pcm []byte, format capture.Format) error {
	if p.Dir != "" {
		if err := os.MkdirAll(p.Dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
		data, err := capture.EncodeWAV(pcm, format)
		if err != nil {
			return err
		}
		name := filepath.Join(p.Dir, fmt.Sprintf("%s-%s.wav", time.Now().Format("20060102-150405"), uuid.NewString()[:8]))
		if err := os.WriteFile(name, data, 0o644); err != nil {
			return fmt.Errorf("write clip: %w", err)
		}
		log.Printf("[device] wrote %s (%s)", name, format.Duration(len(pcm)).Round(time.Millisecond))
	}

	if !p.Simulate {
		return nil
	}

	timer := time.NewTimer(format.Duration(len(pcm)))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
