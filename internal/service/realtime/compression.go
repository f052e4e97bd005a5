package realtime

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"strings"
)

// Encoding 音频载荷的传输编码
type Encoding string

const (
	// EncodingIdentity 未压缩
	EncodingIdentity Encoding = ""
	// EncodingGzip gzip 压缩
	EncodingGzip Encoding = "gzip"
)

// ParseEncoding 规范化元数据中的 encoding 字段
func ParseEncoding(raw string) Encoding {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "identity", "none", "raw":
		return EncodingIdentity
	default:
		return Encoding(strings.ToLower(strings.TrimSpace(raw)))
	}
}

// EncodePayload 按编码压缩载荷
func EncodePayload(data []byte, enc Encoding) ([]byte, error) {
	switch enc {
	case EncodingIdentity:
		return data, nil
	case EncodingGzip:
		return compressGzip(data)
	default:
		return nil, fmt.Errorf("unsupported encoding: %q", string(enc))
	}
}

// DecodePayload 按编码解压载荷
func DecodePayload(data []byte, enc Encoding) ([]byte, error) {
	switch enc {
	case EncodingIdentity:
		return data, nil
	case EncodingGzip:
		return decompressGzip(data)
	default:
		return nil, fmt.Errorf("unsupported encoding: %q", string(enc))
	}
}

func compressGzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := gzip.NewWriter(&buf)

	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, fmt.Errorf("gzip write failed: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("gzip close failed: %w", err)
	}
	return buf.Bytes(), nil
}

func decompressGzip(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader creation failed: %w", err)
	}
	defer reader.Close()

	result, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("gzip read failed: %w", err)
	}
	return result, nil
}
