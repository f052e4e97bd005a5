package chat

import (
	"time"

	"github.com/zhouzirui/z-assistant/internal/service/realtime"
)

// Role identifies who produced a transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Kind describes how an entry is rendered.
type Kind string

const (
	KindText  Kind = "text"
	KindAudio Kind = "audio"
	KindTable Kind = "table"
)

// DefaultTableTitle is used when a table message carries no title.
const DefaultTableTitle = "表格数据"

// Table is the rendered form of a table/summary payload.
type Table struct {
	Columns []realtime.Column `json:"columns"`
	Rows    [][]string        `json:"rows"`
}

// NewTable flattens a table payload into display columns and string cells.
func NewTable(data *realtime.TableData) *Table {
	if data == nil {
		return &Table{}
	}
	table := &Table{Columns: data.Columns()}
	for i := range data.Rows {
		row := make([]string, len(table.Columns))
		for j, col := range table.Columns {
			row[j] = data.Cell(i, col.Key)
		}
		table.Rows = append(table.Rows, row)
	}
	return table
}

// Entry is one turn in the ordered transcript.
type Entry struct {
	ID      string `json:"id"`
	Role    Role   `json:"role"`
	Content string `json:"content"`
	// Transcript holds the recognized text of an audio entry.
	Transcript string    `json:"transcript,omitempty"`
	Kind       Kind      `json:"kind"`
	Timestamp  time.Time `json:"timestamp"`
	MediaRef   string    `json:"mediaRef,omitempty"`
	Duration   float64   `json:"duration,omitempty"`
	Table      *Table    `json:"table,omitempty"`
}
