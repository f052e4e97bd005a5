package capture

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/youpy/go-wav"
)

// Format PCM 采样格式
type Format struct {
	SampleRate    int `json:"sampleRate"`
	Channels      int `json:"channels"`
	BitsPerSample int `json:"bitsPerSample"`
}

// DefaultFormat 16kHz 单声道 16 位
func DefaultFormat() Format {
	return Format{SampleRate: 16000, Channels: 1, BitsPerSample: 16}
}

// BlockAlign 每帧字节数
func (f Format) BlockAlign() int {
	return f.Channels * f.BitsPerSample / 8
}

// Duration 返回 n 字节 PCM 的播放时长
func (f Format) Duration(n int) time.Duration {
	bytesPerSecond := f.SampleRate * f.BlockAlign()
	if bytesPerSecond <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bytesPerSecond)
}

func (f Format) validate() error {
	if f.SampleRate <= 0 || f.Channels <= 0 || f.BitsPerSample <= 0 || f.BitsPerSample%8 != 0 {
		return fmt.Errorf("invalid pcm format %+v", f)
	}
	return nil
}

// IsWAV 判断数据是否带有 RIFF/WAVE 头
func IsWAV(data []byte) bool {
	return len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE"))
}

// EncodeWAV 为 PCM 数据加上 WAV 头
func EncodeWAV(pcm []byte, format Format) ([]byte, error) {
	if err := format.validate(); err != nil {
		return nil, err
	}
	align := format.BlockAlign()
	if len(pcm)%align != 0 {
		pcm = pcm[:len(pcm)-len(pcm)%align]
	}

	var buf bytes.Buffer
	numSamples := uint32(len(pcm) / align)
	writer := wav.NewWriter(&buf, numSamples, uint16(format.Channels), uint32(format.SampleRate), uint16(format.BitsPerSample))
	if _, err := writer.Write(pcm); err != nil {
		return nil, fmt.Errorf("write wav data: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeWAV 解析 WAV，返回 PCM 数据与格式
func DecodeWAV(data []byte) ([]byte, Format, error) {
	if !IsWAV(data) {
		return nil, Format{}, errors.New("not a wav payload")
	}

	reader := wav.NewReader(bytes.NewReader(data))
	wf, err := reader.Format()
	if err != nil {
		return nil, Format{}, fmt.Errorf("read wav format: %w", err)
	}

	pcm, err := io.ReadAll(reader)
	if err != nil {
		return nil, Format{}, fmt.Errorf("read wav data: %w", err)
	}

	return pcm, Format{
		SampleRate:    int(wf.SampleRate),
		Channels:      int(wf.NumChannels),
		BitsPerSample: int(wf.BitsPerSample),
	}, nil
}
