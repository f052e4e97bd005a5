package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	model "github.com/zhouzirui/z-assistant/internal/model/chat"
	"github.com/zhouzirui/z-assistant/internal/service/capture"
	"github.com/zhouzirui/z-assistant/internal/service/chat"
	"github.com/zhouzirui/z-assistant/internal/service/realtime"
)

var (
	userStyle        = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	assistantStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	metaStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	tableHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	infoStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warningStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	errorStyle       = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
)

// renderEntry 渲染一条对话记录，前缀为角色与序号
func renderEntry(index int, e model.Entry) string {
	label := userStyle.Render("你")
	if e.Role == model.RoleAssistant {
		label = assistantStyle.Render("助手")
	}
	prefix := fmt.Sprintf("%s %s ", metaStyle.Render(fmt.Sprintf("#%d", index)), label)

	switch e.Kind {
	case model.KindTable:
		return prefix + e.Content + "\n" + renderTable(e.Table)
	case model.KindAudio:
		line := prefix + e.Content
		if e.Transcript != "" {
			line += " " + metaStyle.Render("“"+e.Transcript+"”")
		}
		return line
	default:
		line := prefix + e.Content
		if e.MediaRef != "" {
			line += " " + metaStyle.Render("[可播放]")
		}
		return line
	}
}

// renderTable 按显示宽度对齐列，宽字符按终端列宽计算
func renderTable(t *model.Table) string {
	if t == nil || len(t.Columns) == 0 {
		return metaStyle.Render("  (空表格)")
	}

	widths := make([]int, len(t.Columns))
	for i, col := range t.Columns {
		widths[i] = lipgloss.Width(col.Label)
	}
	for _, row := range t.Rows {
		for i, cell := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], lipgloss.Width(cell))
			}
		}
	}

	var b strings.Builder
	header := make([]string, len(t.Columns))
	for i, col := range t.Columns {
		header[i] = tableHeaderStyle.Render(pad(col.Label, widths[i]))
	}
	b.WriteString("  " + strings.Join(header, "  ") + "\n")

	rule := make([]string, len(widths))
	for i, w := range widths {
		rule[i] = strings.Repeat("─", w)
	}
	b.WriteString("  " + metaStyle.Render(strings.Join(rule, "  ")))

	for _, row := range t.Rows {
		cells := make([]string, len(widths))
		for i := range widths {
			var cell string
			if i < len(row) {
				cell = row[i]
			}
			cells[i] = pad(cell, widths[i])
		}
		b.WriteString("\n  " + strings.TrimRight(strings.Join(cells, "  "), " "))
	}
	return b.String()
}

func pad(s string, width int) string {
	if gap := width - lipgloss.Width(s); gap > 0 {
		return s + strings.Repeat(" ", gap)
	}
	return s
}

func renderNotice(n chat.Notice) string {
	switch n.Level {
	case chat.NoticeError:
		return errorStyle.Render("✗ " + n.Message)
	case chat.NoticeWarning:
		return warningStyle.Render("! " + n.Message)
	default:
		return infoStyle.Render("• " + n.Message)
	}
}

// renderStatus 每个通道一行
func renderStatus(st realtime.Status) string {
	var b strings.Builder
	if st.Ready {
		b.WriteString(infoStyle.Render("✓ 所有通道已就绪"))
	} else {
		b.WriteString(warningStyle.Render("! 通道未就绪"))
	}
	for _, ch := range st.Channels {
		state := string(ch.State)
		switch ch.State {
		case realtime.StateOpen:
			state = infoStyle.Render(state)
		case realtime.StateReconnectFailed:
			state = errorStyle.Render(state)
		default:
			state = warningStyle.Render(state)
		}
		line := fmt.Sprintf("\n  %-9s %s", ch.Name, state)
		if ch.Attempts > 0 {
			line += metaStyle.Render(fmt.Sprintf(" (重试 %d 次)", ch.Attempts))
		}
		b.WriteString(line)
	}
	return b.String()
}

// renderRecording 只渲染用户需要看到的录音事件，计时事件返回空串
func renderRecording(ev capture.Event) string {
	switch ev.Type {
	case capture.EventStarted:
		return infoStyle.Render("● 开始录音，输入 /send 发送，/cancel 放弃")
	case capture.EventAutoStop:
		return warningStyle.Render(fmt.Sprintf("! 已达到最长录音时长，自动停止 (%d秒)", ev.Seconds))
	case capture.EventStopped:
		return metaStyle.Render(fmt.Sprintf("录音结束 %d秒 %d字节", ev.Seconds, ev.Bytes))
	case capture.EventDiscarded:
		return metaStyle.Render("录音已放弃")
	default:
		return ""
	}
}
