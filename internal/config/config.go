package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zhouzirui/z-assistant/internal/model/profile"
	"github.com/zhouzirui/z-assistant/internal/service/capture"
	"github.com/zhouzirui/z-assistant/internal/service/realtime"
)

// FileEnv 指定可选 YAML 配置文件路径的环境变量
const FileEnv = "ASSISTANT_CONFIG_FILE"

// Config 聚合整个客户端的配置项。
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Capture  CaptureConfig  `yaml:"capture"`
	Profile  ProfileConfig  `yaml:"profile"`
	Audio    AudioConfig    `yaml:"audio"`
}

// ServerConfig 描述本地控制 API 的监听地址。
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// RealtimeConfig 描述实时通道、重连与请求关联。
type RealtimeConfig struct {
	BaseURL           string        `yaml:"baseURL"`
	DialoguePath      string        `yaml:"dialoguePath"`
	TTSPath           string        `yaml:"ttsPath"`
	STTPath           string        `yaml:"sttPath"`
	MaxAttempts       int           `yaml:"maxAttempts"`
	BaseDelay         time.Duration `yaml:"baseDelay"`
	MaxDelay          time.Duration `yaml:"maxDelay"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	HeartbeatMode     string        `yaml:"heartbeatMode"`
	RequestTimeout    time.Duration `yaml:"requestTimeout"`
	QueueDepth        int           `yaml:"queueDepth"`
	MetadataWindow    time.Duration `yaml:"metadataWindow"`
}

// CaptureConfig 描述录音上限与采样格式。
type CaptureConfig struct {
	MaxDuration   time.Duration `yaml:"maxDuration"`
	MinBytes      int           `yaml:"minBytes"`
	MaxBytes      int           `yaml:"maxBytes"`
	SampleRate    int           `yaml:"sampleRate"`
	Channels      int           `yaml:"channels"`
	BitsPerSample int           `yaml:"bitsPerSample"`
}

// ProfileConfig 描述本地用户资料。
type ProfileConfig struct {
	Path   string `yaml:"path"`
	UserID string `yaml:"userID"`
}

// AudioConfig 描述音频输入输出设备。
// InputFile 非空时用 WAV 文件模拟麦克风；PortAudio 为真时使用声卡。
type AudioConfig struct {
	InputFile    string `yaml:"inputFile"`
	OutputDir    string `yaml:"outputDir"`
	PortAudio    bool   `yaml:"portaudio"`
	InputDevice  int    `yaml:"inputDevice"`
	SpeakReplies bool   `yaml:"speakReplies"`
}

// Default 返回内置默认值。
func Default() *Config {
	format := capture.DefaultFormat()
	capOpts := capture.DefaultOptions()
	connOpts := realtime.DefaultConnectionOptions()
	corrOpts := realtime.DefaultCorrelatorOptions()

	return &Config{
		Server: ServerConfig{Addr: "127.0.0.1:8080"},
		Realtime: RealtimeConfig{
			BaseURL:           "ws://localhost:3000",
			DialoguePath:      "",
			TTSPath:           "/tts",
			STTPath:           "/stt",
			MaxAttempts:       connOpts.MaxAttempts,
			BaseDelay:         connOpts.BaseDelay,
			HeartbeatInterval: connOpts.HeartbeatInterval,
			HeartbeatMode:     string(connOpts.HeartbeatMode),
			RequestTimeout:    corrOpts.Timeout,
			QueueDepth:        corrOpts.QueueDepth,
		},
		Capture: CaptureConfig{
			MaxDuration:   capOpts.MaxDuration,
			MinBytes:      capOpts.MinBytes,
			MaxBytes:      capOpts.MaxBytes,
			SampleRate:    format.SampleRate,
			Channels:      format.Channels,
			BitsPerSample: format.BitsPerSample,
		},
		Profile: ProfileConfig{
			Path:   "user.json",
			UserID: profile.DefaultUserID,
		},
		Audio: AudioConfig{
			OutputDir:    "playback",
			InputDevice:  -1,
			SpeakReplies: true,
		},
	}
}

// Load 读取默认值、可选的 YAML 文件，再用环境变量覆盖。
func Load() (*Config, error) {
	cfg := Default()

	if path := strings.TrimSpace(os.Getenv(FileEnv)); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	addr, err := loadServerAddr(c.Server.Addr)
	if err != nil {
		return err
	}
	c.Server.Addr = addr

	rt := &c.Realtime
	rt.BaseURL = getEnvOrDefault("ASSISTANT_SOCKET_URL", rt.BaseURL)
	if v, ok := os.LookupEnv("ASSISTANT_DIALOGUE_PATH"); ok {
		rt.DialoguePath = strings.TrimSpace(v)
	}
	rt.TTSPath = getEnvOrDefault("ASSISTANT_TTS_PATH", rt.TTSPath)
	rt.STTPath = getEnvOrDefault("ASSISTANT_STT_PATH", rt.STTPath)
	rt.HeartbeatMode = getEnvOrDefault("ASSISTANT_HEARTBEAT_MODE", rt.HeartbeatMode)

	ints := []struct {
		key string
		dst *int
	}{
		{"ASSISTANT_RECONNECT_ATTEMPTS", &rt.MaxAttempts},
		{"ASSISTANT_QUEUE_DEPTH", &rt.QueueDepth},
		{"ASSISTANT_RECORD_MIN_BYTES", &c.Capture.MinBytes},
		{"ASSISTANT_RECORD_MAX_BYTES", &c.Capture.MaxBytes},
		{"ASSISTANT_SAMPLE_RATE", &c.Capture.SampleRate},
		{"ASSISTANT_INPUT_DEVICE", &c.Audio.InputDevice},
	}
	for _, item := range ints {
		val, err := parseOptionalIntEnv(item.key)
		if err != nil {
			return err
		}
		if val != nil {
			*item.dst = *val
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"ASSISTANT_RECONNECT_DELAY", &rt.BaseDelay},
		{"ASSISTANT_RECONNECT_MAX_DELAY", &rt.MaxDelay},
		{"ASSISTANT_HEARTBEAT_INTERVAL", &rt.HeartbeatInterval},
		{"ASSISTANT_REQUEST_TIMEOUT", &rt.RequestTimeout},
		{"ASSISTANT_METADATA_WINDOW", &rt.MetadataWindow},
		{"ASSISTANT_RECORD_MAX_DURATION", &c.Capture.MaxDuration},
	}
	for _, item := range durations {
		val, err := parseOptionalDurationEnv(item.key)
		if err != nil {
			return err
		}
		if val != nil {
			*item.dst = *val
		}
	}

	c.Profile.Path = getEnvOrDefault("ASSISTANT_PROFILE_PATH", c.Profile.Path)
	c.Profile.UserID = getEnvOrDefault("ASSISTANT_USER_ID", c.Profile.UserID)

	c.Audio.InputFile = getEnvOrDefault("ASSISTANT_INPUT_FILE", c.Audio.InputFile)
	c.Audio.OutputDir = getEnvOrDefault("ASSISTANT_OUTPUT_DIR", c.Audio.OutputDir)
	if c.Audio.PortAudio, err = parseBoolEnv("ASSISTANT_PORTAUDIO", c.Audio.PortAudio); err != nil {
		return err
	}
	if c.Audio.SpeakReplies, err = parseBoolEnv("ASSISTANT_SPEAK_REPLIES", c.Audio.SpeakReplies); err != nil {
		return err
	}
	return nil
}

// Validate 检查取值范围。
func (c *Config) Validate() error {
	var errs []error
	if !strings.HasPrefix(c.Realtime.BaseURL, "ws://") && !strings.HasPrefix(c.Realtime.BaseURL, "wss://") {
		errs = append(errs, fmt.Errorf("socket url must use ws:// or wss://, got %q", c.Realtime.BaseURL))
	}
	switch realtime.HeartbeatMode(c.Realtime.HeartbeatMode) {
	case realtime.HeartbeatPing, realtime.HeartbeatJSON, realtime.HeartbeatOff:
	default:
		errs = append(errs, fmt.Errorf("invalid heartbeat mode %q", c.Realtime.HeartbeatMode))
	}
	if c.Realtime.BaseDelay <= 0 {
		errs = append(errs, errors.New("reconnect delay must be positive"))
	}
	if c.Realtime.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request timeout must be positive"))
	}
	if c.Capture.MinBytes < 0 || c.Capture.MaxBytes <= c.Capture.MinBytes {
		errs = append(errs, fmt.Errorf("invalid recording size bounds [%d, %d]", c.Capture.MinBytes, c.Capture.MaxBytes))
	}
	if c.Capture.MaxDuration <= 0 {
		errs = append(errs, errors.New("recording max duration must be positive"))
	}
	return errors.Join(errs...)
}

// ConnectionOptions 转换为连接选项。
func (c *Config) ConnectionOptions() *realtime.ConnectionOptions {
	opts := realtime.DefaultConnectionOptions()
	opts.MaxAttempts = c.Realtime.MaxAttempts
	opts.BaseDelay = c.Realtime.BaseDelay
	opts.MaxDelay = c.Realtime.MaxDelay
	opts.HeartbeatInterval = c.Realtime.HeartbeatInterval
	opts.HeartbeatMode = realtime.HeartbeatMode(c.Realtime.HeartbeatMode)
	return opts
}

// MultiplexerOptions 转换为多路复用器选项。
func (c *Config) MultiplexerOptions(identity realtime.Identity) realtime.MultiplexerOptions {
	return realtime.MultiplexerOptions{
		BaseURL: c.Realtime.BaseURL,
		Channels: []realtime.ChannelSpec{
			{Name: realtime.ChannelDialogue, Path: c.Realtime.DialoguePath, Required: true},
			{Name: realtime.ChannelTTS, Path: c.Realtime.TTSPath, Required: true, Audio: true},
			{Name: realtime.ChannelSTT, Path: c.Realtime.STTPath, Required: true, Audio: true},
		},
		Connection:     c.ConnectionOptions(),
		MetadataWindow: c.Realtime.MetadataWindow,
		Identity:       identity,
	}
}

// CorrelatorOptions 转换为请求关联选项。
func (c *Config) CorrelatorOptions() realtime.CorrelatorOptions {
	return realtime.CorrelatorOptions{Timeout: c.Realtime.RequestTimeout, QueueDepth: c.Realtime.QueueDepth}
}

// CaptureOptions 转换为录音选项。
func (c *Config) CaptureOptions() capture.Options {
	opts := capture.DefaultOptions()
	opts.MaxDuration = c.Capture.MaxDuration
	opts.MinBytes = c.Capture.MinBytes
	opts.MaxBytes = c.Capture.MaxBytes
	opts.Format = c.Format()
	return opts
}

// Format 录音与播放使用的 PCM 格式。
func (c *Config) Format() capture.Format {
	return capture.Format{
		SampleRate:    c.Capture.SampleRate,
		Channels:      c.Capture.Channels,
		BitsPerSample: c.Capture.BitsPerSample,
	}
}

// loadServerAddr 解析监听地址，PORT 优先。
func loadServerAddr(current string) (string, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		return current, nil
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return port, nil
	}

	if _, err := strconv.Atoi(port); err != nil {
		return "", fmt.Errorf("invalid PORT value: %q", port)
	}

	return "127.0.0.1:" + port, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

// parseOptionalDurationEnv 接受 "2s" 形式，纯数字按秒计。
func parseOptionalDurationEnv(key string) (*time.Duration, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		d := time.Duration(secs * float64(time.Second))
		return &d, nil
	}

	val, err := time.ParseDuration(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
