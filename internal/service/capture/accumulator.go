package capture

import "sync"

// Accumulator 累积采集到的音频分片
type Accumulator struct {
	mu     sync.Mutex
	chunks [][]byte
	size   int
}

// NewAccumulator 创建累加器
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Append 追加一个分片，空分片被忽略
func (a *Accumulator) Append(fragment []byte) {
	if len(fragment) == 0 {
		return
	}
	chunk := make([]byte, len(fragment))
	copy(chunk, fragment)

	a.mu.Lock()
	a.chunks = append(a.chunks, chunk)
	a.size += len(chunk)
	a.mu.Unlock()
}

// Len 已累积的字节数
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.size
}

// Chunks 分片数量
func (a *Accumulator) Chunks() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.chunks)
}

// Bytes 按追加顺序拼接所有分片
func (a *Accumulator) Bytes() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]byte, 0, a.size)
	for _, chunk := range a.chunks {
		out = append(out, chunk...)
	}
	return out
}

// Reset 清空
func (a *Accumulator) Reset() {
	a.mu.Lock()
	a.chunks = nil
	a.size = 0
	a.mu.Unlock()
}
