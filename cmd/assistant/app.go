package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/zhouzirui/z-assistant/internal/config"
	"github.com/zhouzirui/z-assistant/internal/device/portaudio"
	"github.com/zhouzirui/z-assistant/internal/device/wavfile"
	"github.com/zhouzirui/z-assistant/internal/event"
	"github.com/zhouzirui/z-assistant/internal/metrics"
	"github.com/zhouzirui/z-assistant/internal/model/profile"
	"github.com/zhouzirui/z-assistant/internal/service/capture"
	"github.com/zhouzirui/z-assistant/internal/service/chat"
	"github.com/zhouzirui/z-assistant/internal/service/realtime"
)

// app 持有一次运行所需的全部服务，按依赖顺序创建、逆序释放
type app struct {
	cfg        *config.Config
	profiles   *profile.FileStore
	mux        *realtime.Multiplexer
	correlator *realtime.Correlator
	recorder   *capture.Session
	session    *chat.Session
	registry   *prometheus.Registry
	subs       []*event.Subscription
}

func newApp(cfg *config.Config) (*app, error) {
	profiles, err := profile.NewFileStore(cfg.Profile.Path)
	if err != nil {
		return nil, fmt.Errorf("load user record: %w", err)
	}

	mux, err := realtime.NewMultiplexer(cfg.MultiplexerOptions(profile.Identity(profiles, cfg.Profile.UserID)))
	if err != nil {
		return nil, fmt.Errorf("create multiplexer: %w", err)
	}

	correlator := realtime.NewCorrelator(mux, cfg.CorrelatorOptions())
	recorder := capture.NewSession(newMicrophone(cfg), cfg.CaptureOptions())

	opts := chat.DefaultOptions()
	opts.SpeakReplies = cfg.Audio.SpeakReplies
	opts.OutputFormat = cfg.Format()
	session := chat.NewSession(mux, correlator, recorder, newPlayer(cfg), opts)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	a := &app{
		cfg:        cfg,
		profiles:   profiles,
		mux:        mux,
		correlator: correlator,
		recorder:   recorder,
		session:    session,
		registry:   registry,
	}
	a.subs = append(a.subs, m.ObserveMultiplexer(mux)...)
	a.subs = append(a.subs, m.ObserveSession(session)...)
	a.subs = append(a.subs,
		m.ObserveCorrelator(correlator),
		m.ObserveCapture(recorder),
		a.watchReadiness(),
		session.OnTitle(func(title string) { log.Printf("[chat] conversation title: %q", title) }),
		profiles.OnChange(func(u profile.User) { log.Printf("[profile] now sending as %s", u.UserID()) }),
	)
	return a, nil
}

// start 监听用户资料并建立所有通道，通道失败不阻止启动，后台会继续重连
func (a *app) start(ctx context.Context) {
	go func() {
		if err := a.profiles.Watch(ctx); err != nil {
			log.Printf("[profile] watcher stopped: %v", err)
		}
	}()

	if err := a.mux.InitAll(ctx); err != nil {
		log.Printf("[realtime] initial connect incomplete, retrying in background: %v", err)
	}
}

func (a *app) close() {
	for _, sub := range a.subs {
		sub.Off()
	}
	_ = a.session.Close()
	_ = a.recorder.Close()
	a.correlator.Close()
	_ = a.mux.Close()
}

func newMicrophone(cfg *config.Config) capture.Microphone {
	switch {
	case cfg.Audio.InputFile != "":
		log.Printf("[device] using %s as microphone input", cfg.Audio.InputFile)
		return wavfile.NewMicrophone(cfg.Audio.InputFile)
	case cfg.Audio.PortAudio:
		return &portaudio.Microphone{DeviceID: cfg.Audio.InputDevice}
	default:
		return nil
	}
}

func newPlayer(cfg *config.Config) chat.Player {
	if cfg.Audio.PortAudio {
		return portaudio.Player{}
	}
	if cfg.Audio.OutputDir == "" {
		return nil
	}
	return wavfile.NewPlayer(cfg.Audio.OutputDir, true)
}

// watchReadiness 在所有必需通道就绪或失去就绪时各记录一次
func (a *app) watchReadiness() *event.Subscription {
	var ready atomic.Bool
	return a.mux.OnEvent(func(realtime.Event) {
		now := a.mux.Status().Ready
		if ready.Swap(now) == now {
			return
		}
		if now {
			log.Printf("[realtime] all channels ready")
		} else {
			log.Printf("[realtime] channels not ready, sends will fail until reconnected")
		}
	})
}

// exitCode 区分配置错误与运行期错误
func exitCode(err error) int {
	var cfgErr *configError
	if errors.As(err, &cfgErr) {
		return 2
	}
	return 1
}

type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, &configError{err: err}
	}
	return cfg, nil
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(exitCode(err))
}
