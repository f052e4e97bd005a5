package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/z-assistant/internal/handler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Connect to the backend and expose the local control API",
	Long: `Connect all channels and serve the local control API.

Endpoints live under /api (status, events, messages, transcript, recording)
and Prometheus metrics under /metrics. The listen address comes from
PORT or server.addr in the config file.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
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

	a.start(ctx)

	router := handler.NewRouter(handler.Deps{
		Conversation: a.session,
		Capture:      a.recorder,
		Connections:  a.mux,
		Metrics:      a.registry,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
		// SSE 连接随进程上下文结束，否则 Shutdown 会一直等到超时
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	log.Printf("assistant control API listening on %s", cfg.Server.Addr)
	return runServer(ctx, srv)
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
