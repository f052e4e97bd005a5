package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/z-assistant/internal/config"
	"github.com/zhouzirui/z-assistant/internal/service/capture"
	"github.com/zhouzirui/z-assistant/internal/service/realtime"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	mode := flag.String("mode", "", "测试模式: stt 或 tts")
	audioPath := flag.String("audio", "", "STT 输入的 WAV 文件路径")
	text := flag.String("text", "", "TTS 输入文本")
	outputPath := flag.String("out", "", "TTS 输出 WAV 文件路径 (默认自动生成)")
	timeout := flag.Duration("timeout", 45*time.Second, "请求超时时间")

	flag.Parse()

	if *mode != "stt" && *mode != "tts" {
		flag.Usage()
		log.Fatal("请通过 -mode=stt 或 -mode=tts 指定测试模式")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("配置加载失败: %v", err)
	}

	channel := realtime.ChannelSTT
	if *mode == "tts" {
		channel = realtime.ChannelTTS
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	mux, correlator, err := connect(ctx, cfg, channel)
	if err != nil {
		log.Fatalf("连接 %s 通道失败: %v", channel, err)
	}
	defer mux.Close()
	defer correlator.Close()

	switch *mode {
	case "stt":
		runSTT(ctx, correlator, *audioPath)
	case "tts":
		runTTS(ctx, correlator, cfg.Format(), *text, *outputPath)
	}
}

// connect 只建立被测的那一个通道
func connect(ctx context.Context, cfg *config.Config, channel realtime.ChannelName) (*realtime.Multiplexer, *realtime.Correlator, error) {
	opts := cfg.MultiplexerOptions(nil)
	var specs []realtime.ChannelSpec
	for _, spec := range opts.Channels {
		if spec.Name == channel {
			specs = append(specs, spec)
		}
	}
	opts.Channels = specs

	mux, err := realtime.NewMultiplexer(opts)
	if err != nil {
		return nil, nil, err
	}
	if err := mux.InitAll(ctx); err != nil {
		_ = mux.Close()
		return nil, nil, err
	}
	return mux, realtime.NewCorrelator(mux, cfg.CorrelatorOptions()), nil
}

func runSTT(ctx context.Context, correlator *realtime.Correlator, audioPath string) {
	if audioPath == "" {
		log.Fatal("STT 模式需要通过 -audio 指定 WAV 文件路径")
	}

	audio, err := os.ReadFile(audioPath)
	if err != nil {
		log.Fatalf("读取音频文件失败: %v", err)
	}
	if !capture.IsWAV(audio) {
		log.Fatalf("%s 不是 WAV 文件", audioPath)
	}

	log.Printf("开始进行 STT 测试: file=%s bytes=%d", audioPath, len(audio))
	start := time.Now()

	text, err := correlator.Transcribe(ctx, audio)
	if err != nil {
		log.Fatalf("STT 调用失败: %v", err)
	}

	log.Printf("STT 识别成功: text=%q elapsed=%s", text, time.Since(start).Round(time.Millisecond))
}

func runTTS(ctx context.Context, correlator *realtime.Correlator, fallback capture.Format, text, outputPath string) {
	if strings.TrimSpace(text) == "" {
		log.Fatal("TTS 模式需要通过 -text 提供待合成文本")
	}

	if outputPath == "" {
		outputPath = fmt.Sprintf("tts-output-%d.wav", time.Now().Unix())
	}

	log.Printf("开始进行 TTS 测试: text=%q", text)
	start := time.Now()

	frame, err := correlator.Synthesize(ctx, text)
	if err != nil {
		log.Fatalf("TTS 调用失败: %v", err)
	}

	audio := frame.Data
	if !capture.IsWAV(audio) {
		format := fallback
		if frame.Meta != nil {
			if frame.Meta.SampleRate > 0 {
				format.SampleRate = frame.Meta.SampleRate
			}
			if frame.Meta.Channels > 0 {
				format.Channels = frame.Meta.Channels
			}
		}
		if audio, err = capture.EncodeWAV(frame.Data, format); err != nil {
			log.Fatalf("封装 WAV 失败: %v", err)
		}
	}

	if err := os.WriteFile(outputPath, audio, 0o644); err != nil {
		log.Fatalf("写入音频文件失败: %v", err)
	}

	log.Printf("TTS 合成成功: 输出文件 %s, bytes=%d elapsed=%s", outputPath, len(audio), time.Since(start).Round(time.Millisecond))
}
