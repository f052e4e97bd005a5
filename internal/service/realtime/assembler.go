package realtime

import (
	"bytes"
	"encoding/json"
	"log"
	"sync"
	"time"
)

// AudioMeta 音频通道上与二进制帧相邻的 JSON 元数据
type AudioMeta struct {
	Type       string  `json:"type,omitempty"`
	Format     string  `json:"format,omitempty"`
	SampleRate int     `json:"sampleRate,omitempty"`
	Channels   int     `json:"channels,omitempty"`
	Duration   float64 `json:"duration,omitempty"`
	Encoding   string  `json:"encoding,omitempty"`
}

var metaKeys = []string{"format", "sampleRate", "channels", "duration", "encoding"}

// parseAudioMeta 判断文本帧是否为音频元数据。
// 只有包含已知元数据字段的 JSON 对象才算，STT 的纯文本回复原样透传。
func parseAudioMeta(data []byte) (*AudioMeta, bool) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, false
	}

	known := false
	for _, key := range metaKeys {
		if _, ok := fields[key]; ok {
			known = true
			break
		}
	}
	if !known {
		return nil, false
	}

	var meta AudioMeta
	if err := json.Unmarshal(trimmed, &meta); err != nil {
		return nil, false
	}
	return &meta, true
}

// assembler 按时间相邻关系把音频通道上的元数据和二进制帧配对。
// 每个通道最多只有一个等待解释的二进制帧。
type assembler struct {
	channel ChannelName
	window  time.Duration
	emit    func(Frame)

	mu      sync.Mutex
	meta    *AudioMeta
	pending *Frame
	timer   *time.Timer
	seq     uint64
	// bare 上一条交付的是没有元数据的二进制帧，紧随其后的元数据属于它
	bare bool
}

func newAssembler(channel ChannelName, window time.Duration, emit func(Frame)) *assembler {
	return &assembler{channel: channel, window: window, emit: emit}
}

// push 处理一条入站帧
func (a *assembler) push(frame Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !frame.IsBinary() {
		if meta, ok := parseAudioMeta(frame.Data); ok {
			if a.pending != nil {
				held := *a.pending
				a.clearPendingLocked()
				a.deliverLocked(held, meta)
				return
			}
			if a.bare {
				// 对应的二进制帧已经交付，不能留给下一条回复
				a.bare = false
				log.Printf("[realtime] %s: dropping trailing audio metadata for an already delivered frame", a.channel)
				return
			}
			a.meta = meta
			return
		}
		a.flushLocked()
		if a.meta != nil {
			log.Printf("[realtime] %s: dropping audio metadata not followed by audio", a.channel)
			a.meta = nil
		}
		a.bare = false
		a.emit(frame)
		return
	}

	a.flushLocked()

	if a.meta != nil {
		meta := a.meta
		a.meta = nil
		a.deliverLocked(frame, meta)
		return
	}

	if a.window <= 0 {
		a.bare = true
		a.emit(frame)
		return
	}

	held := frame
	a.pending = &held
	a.seq++
	seq := a.seq
	a.timer = time.AfterFunc(a.window, func() { a.expire(seq) })
}

func (a *assembler) expire(seq uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.seq != seq || a.pending == nil {
		return
	}
	a.flushLocked()
}

// flush 交付挂起的二进制帧，连接关闭时调用
func (a *assembler) flush() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flushLocked()
	a.meta = nil
	a.bare = false
}

func (a *assembler) flushLocked() {
	if a.pending == nil {
		return
	}
	held := *a.pending
	a.clearPendingLocked()
	a.bare = true
	a.emit(held)
}

func (a *assembler) clearPendingLocked() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.pending = nil
}

func (a *assembler) deliverLocked(frame Frame, meta *AudioMeta) {
	a.bare = false
	frame.Meta = meta
	if enc := ParseEncoding(meta.Encoding); enc != EncodingIdentity {
		decoded, err := DecodePayload(frame.Data, enc)
		if err != nil {
			log.Printf("[realtime] %s: failed to decode %s audio payload: %v", a.channel, enc, err)
		} else {
			frame.Data = decoded
		}
	}
	a.emit(frame)
}
