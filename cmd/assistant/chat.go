package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/z-assistant/internal/event"
	model "github.com/zhouzirui/z-assistant/internal/model/chat"
	"github.com/zhouzirui/z-assistant/internal/service/capture"
	"github.com/zhouzirui/z-assistant/internal/service/chat"
	"github.com/zhouzirui/z-assistant/internal/service/realtime"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive terminal session",
	Long: `Start an interactive terminal session.

Plain lines are sent as text messages. Commands:
  /record        start recording from the microphone
  /stop          stop recording without sending
  /send          stop (if needed) and send the recording
  /cancel        discard the current recording
  /play <n>      replay the audio of transcript entry n
  /history       print the whole transcript
  /status        show channel and recording state
  /reconnect [c] redial channels that gave up reconnecting (all, or channel c)
  /quit          leave`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

const chatHelp = `/record 录音  /stop 停止  /send 发送录音  /cancel 放弃录音
/play <序号> 重放音频  /history 对话记录  /status 连接状态
/reconnect [通道] 重新连接已放弃重连的通道  /quit 退出`

func runChat(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	r := newREPL(a.session, a.recorder, a.mux, cmd.OutOrStdout())
	detach := r.attach()
	defer detach()

	r.println(metaStyle.Render("正在连接…  输入 /help 查看命令"))
	a.start(ctx)
	r.println(renderStatus(a.mux.Status()))

	err = r.run(ctx, cmd.InOrStdin())
	// 先取消上下文，让后台播放尽快结束
	stop()
	return err
}

// repl 终端交互循环，输出在多个回调 goroutine 间串行化
type repl struct {
	session  *chat.Session
	recorder *capture.Session
	mux      *realtime.Multiplexer

	mu      sync.Mutex
	out     io.Writer
	wg      sync.WaitGroup
	notices atomic.Int64
}

func newREPL(session *chat.Session, recorder *capture.Session, mux *realtime.Multiplexer, out io.Writer) *repl {
	return &repl{session: session, recorder: recorder, mux: mux, out: out}
}

func (r *repl) println(s string) {
	if s == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.out, s)
}

// attach 订阅会话与录音事件，返回取消订阅的函数
func (r *repl) attach() func() {
	subs := []*event.Subscription{
		r.session.OnUpdate(r.onUpdate),
		r.session.OnNotify(func(n chat.Notice) {
			r.notices.Add(1)
			r.println(renderNotice(n))
		}),
		r.recorder.OnEvent(func(ev capture.Event) { r.println(renderRecording(ev)) }),
	}
	return func() {
		for _, sub := range subs {
			sub.Off()
		}
		r.wg.Wait()
	}
}

func (r *repl) onUpdate(u chat.Update) {
	switch u.Type {
	case chat.UpdateEntryAdded:
		// 用户输入的文本已经显示在终端上
		if u.Entry == nil || (u.Entry.Role == model.RoleUser && u.Entry.Kind == model.KindText) {
			return
		}
		r.println(renderEntry(r.position(u.Entry.ID), *u.Entry))
	case chat.UpdateProcessing:
		if u.Processing {
			r.println(metaStyle.Render("助手正在处理…"))
		}
	}
}

// position 返回记录的 1 起始序号，与 /play 的参数一致
func (r *repl) position(id string) int {
	for i, e := range r.session.Transcript() {
		if e.ID == id {
			return i + 1
		}
	}
	return 0
}

func (r *repl) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := r.handle(ctx, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

// handle 执行一行输入，返回 true 表示退出
func (r *repl) handle(ctx context.Context, line string) bool {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		seen := r.notices.Load()
		if _, err := r.session.SendText(line); err != nil {
			r.report(err, seen)
		}
		return false
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/help":
		r.println(chatHelp)
	case "/status":
		r.println(renderStatus(r.mux.Status()))
		r.println(metaStyle.Render(fmt.Sprintf("录音: %s %d秒", r.recorder.State(), r.recorder.Seconds())))
	case "/history":
		for i, e := range r.session.Transcript() {
			r.println(renderEntry(i+1, e))
		}
	case "/record":
		if err := r.recorder.Start(ctx); err != nil {
			r.report(err, r.notices.Load())
		}
	case "/stop":
		if _, err := r.recorder.Stop(); err != nil {
			r.report(err, r.notices.Load())
		}
	case "/send":
		r.sendRecording(ctx)
	case "/cancel":
		r.recorder.Discard()
	case "/play":
		r.play(ctx, fields[1:])
	case "/reconnect":
		r.reconnect(ctx, fields[1:])
	default:
		r.println(warningStyle.Render("未知命令 " + fields[0]))
		r.println(chatHelp)
	}
	return false
}

func (r *repl) sendRecording(ctx context.Context) {
	seen := r.notices.Load()
	if r.recorder.State() == capture.StateRecording {
		if _, err := r.recorder.Stop(); err != nil {
			r.report(err, seen)
			return
		}
	}
	if _, err := r.session.SendRecording(ctx); err != nil {
		r.report(err, seen)
	}
}

// reconnect 不带参数时重新拨号所有已放弃重连的通道
func (r *repl) reconnect(ctx context.Context, args []string) {
	var err error
	switch len(args) {
	case 0:
		err = r.mux.InitAll(ctx)
	case 1:
		err = r.mux.Reconnect(ctx, realtime.ChannelName(args[0]))
	default:
		r.println(warningStyle.Render("用法: /reconnect [通道]"))
		return
	}
	if err != nil {
		r.report(err, r.notices.Load())
		return
	}
	r.println(renderStatus(r.mux.Status()))
}

// play 在后台播放，播放期间仍可输入
func (r *repl) play(ctx context.Context, args []string) {
	if len(args) != 1 {
		r.println(warningStyle.Render("用法: /play <序号>"))
		return
	}
	n, err := strconv.Atoi(args[0])
	entries := r.session.Transcript()
	if err != nil || n < 1 || n > len(entries) {
		r.println(warningStyle.Render("没有这条记录: " + args[0]))
		return
	}

	id := entries[n-1].ID
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		seen := r.notices.Load()
		if err := r.session.Play(ctx, id); err != nil && ctx.Err() == nil {
			r.report(err, seen)
		}
	}()
}

// report 输出错误，会话已经为这次操作发出过通知时不再重复
func (r *repl) report(err error, seen int64) {
	if r.notices.Load() != seen {
		return
	}
	r.println(errorStyle.Render("✗ " + describe(err)))
}

func describe(err error) string {
	switch {
	case errors.Is(err, capture.ErrUnsupported):
		return "未配置音频输入，请设置 ASSISTANT_INPUT_FILE 或 ASSISTANT_PORTAUDIO"
	case errors.Is(err, capture.ErrPermissionDenied):
		return "无法访问麦克风，请检查权限"
	case errors.Is(err, capture.ErrBusy):
		return "正在录音中"
	case errors.Is(err, capture.ErrNotRecording):
		return "当前没有进行中的录音"
	case errors.Is(err, capture.ErrNoRecording):
		return "没有可发送的录音，请先 /record"
	case errors.Is(err, capture.ErrTooShort):
		return "录音时间太短，请重新录制"
	case errors.Is(err, capture.ErrTooLarge):
		return "录音文件过大，请缩短录音时间"
	case errors.Is(err, chat.ErrEntryNotFound):
		return "没有这条记录"
	case errors.Is(err, chat.ErrNoMedia):
		return "这条记录没有可播放的音频"
	case errors.Is(err, chat.ErrClosed):
		return "会话已关闭"
	case errors.Is(err, realtime.ErrUnknownChannel):
		return "没有这个通道，可用: dialogue tts stt"
	default:
		return err.Error()
	}
}
