package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ChannelName 逻辑通道名称
type ChannelName string

const (
	// ChannelDialogue 对话通道，承载 JSON 信封
	ChannelDialogue ChannelName = "dialogue"
	// ChannelTTS 文本转语音通道，回复为原始音频
	ChannelTTS ChannelName = "tts"
	// ChannelSTT 语音转文本通道，回复为纯文本
	ChannelSTT ChannelName = "stt"
)

// FrameType 入站帧的 WebSocket 载荷类型
type FrameType uint8

const (
	// FrameText 文本帧
	FrameText FrameType = iota + 1
	// FrameBinary 二进制帧
	FrameBinary
)

// Frame 一条原始入站帧。Meta 仅在音频通道上由 assembler 填充。
type Frame struct {
	Type     FrameType
	Data     []byte
	Meta     *AudioMeta
	Received time.Time
}

// IsBinary 是否为二进制帧
func (f Frame) IsBinary() bool { return f.Type == FrameBinary }

// Text 以字符串形式返回载荷
func (f Frame) Text() string { return string(f.Data) }

// MessageKind 对话信封类型
type MessageKind uint8

const (
	KindUnknown MessageKind = iota
	KindText
	KindProcessing
	KindTable
	KindStorage
	KindError
	KindHeartbeat
)

var kindNames = map[MessageKind]string{
	KindUnknown:    "unknown",
	KindText:       "text",
	KindProcessing: "processing",
	KindTable:      "table",
	KindStorage:    "storage",
	KindError:      "error",
	KindHeartbeat:  "heartbeat",
}

func (k MessageKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind 将 type 字段映射为 MessageKind，summary 与 table 视为同一类。
func ParseKind(raw string) MessageKind {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "text":
		return KindText
	case "processing":
		return KindProcessing
	case "summary", "table":
		return KindTable
	case "storage":
		return KindStorage
	case "error":
		return KindError
	case "heartbeat", "pong":
		return KindHeartbeat
	default:
		return KindUnknown
	}
}

// ServerMessage 对话通道上的服务端信封
type ServerMessage struct {
	Type      string          `json:"type"`
	Content   string          `json:"content,omitempty"`
	Output    string          `json:"output,omitempty"`
	Title     string          `json:"title,omitempty"`
	TableData *TableData      `json:"tableData,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

// Kind 返回信封类型
func (m ServerMessage) Kind() MessageKind { return ParseKind(m.Type) }

// Body 返回正文，content 为空时使用 output
func (m ServerMessage) Body() string {
	if m.Content != "" {
		return m.Content
	}
	return m.Output
}

// DecodeServerMessage 解析对话通道文本帧
func DecodeServerMessage(data []byte) (ServerMessage, error) {
	var msg ServerMessage
	if len(data) == 0 {
		return msg, errors.New("empty frame")
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("decode server message: %w", err)
	}
	msg.Raw = append(json.RawMessage(nil), data...)
	return msg, nil
}

// TableData 表格载荷，header 为列键到列名的有序映射，row 为有序键值行。
type TableData struct {
	Header *orderedmap.OrderedMap[string, string] `json:"header,omitempty"`
	Rows   []*orderedmap.OrderedMap[string, any]  `json:"row,omitempty"`
}

// Column 表格列
type Column struct {
	Key   string `json:"key"`
	Label string `json:"label"`
}

// Columns 返回列定义。header 缺失或为空时使用首行的键，仅对当前消息生效。
func (t *TableData) Columns() []Column {
	if t == nil {
		return nil
	}

	if t.Header != nil && t.Header.Len() > 0 {
		cols := make([]Column, 0, t.Header.Len())
		for pair := t.Header.Oldest(); pair != nil; pair = pair.Next() {
			cols = append(cols, Column{Key: pair.Key, Label: pair.Value})
		}
		return cols
	}

	if len(t.Rows) == 0 || t.Rows[0] == nil {
		return nil
	}

	first := t.Rows[0]
	cols := make([]Column, 0, first.Len())
	for pair := first.Oldest(); pair != nil; pair = pair.Next() {
		cols = append(cols, Column{Key: pair.Key, Label: pair.Key})
	}
	return cols
}

// Cell 以字符串形式返回单元格，缺失或为 null 时为空串。
func (t *TableData) Cell(row int, key string) string {
	if t == nil || row < 0 || row >= len(t.Rows) || t.Rows[row] == nil {
		return ""
	}
	value, ok := t.Rows[row].Get(key)
	if !ok || value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// Input 用户输入
type Input struct {
	Type     string  `json:"type"`
	Content  string  `json:"content"`
	Format   string  `json:"format,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}

// ClientMessage 对话通道上的客户端信封
type ClientMessage struct {
	UserID string            `json:"user_id"`
	Type   string            `json:"type,omitempty"`
	Info   map[string]string `json:"info,omitempty"`
	Input  *Input            `json:"input,omitempty"`
}

// NewTextMessage 构造文本输入信封
func NewTextMessage(userID string, info map[string]string, text string) ClientMessage {
	return ClientMessage{
		UserID: userID,
		Info:   info,
		Input:  &Input{Type: "text", Content: text},
	}
}

// NewHandshake 构造连接建立后的握手信封
func NewHandshake(userID string, info map[string]string) ClientMessage {
	return ClientMessage{UserID: userID, Type: "handshake", Info: info}
}

// Heartbeat JSON 心跳信封
type Heartbeat struct {
	Type       string `json:"type"`
	Timestamp  int64  `json:"timestamp"`
	ClientTime string `json:"clientTime"`
}

// NewHeartbeat 构造心跳
func NewHeartbeat(now time.Time) Heartbeat {
	return Heartbeat{
		Type:       "heartbeat",
		Timestamp:  now.UnixMilli(),
		ClientTime: now.Format(time.RFC3339),
	}
}
