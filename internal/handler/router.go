package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zhouzirui/z-assistant/internal/handler/chat"
	"github.com/zhouzirui/z-assistant/internal/handler/recording"
	"github.com/zhouzirui/z-assistant/internal/handler/stream"
	"github.com/zhouzirui/z-assistant/internal/service/capture"
	chatService "github.com/zhouzirui/z-assistant/internal/service/chat"
	"github.com/zhouzirui/z-assistant/internal/service/realtime"
	"github.com/zhouzirui/z-assistant/pkg/utils"
)

// Deps 路由依赖的服务，Capture 与 Metrics 可以为 nil
type Deps struct {
	Conversation *chatService.Session
	Capture      *capture.Session
	Connections  *realtime.Multiplexer
	Metrics      prometheus.Gatherer
}

// NewRouter wires the local control API to the assistant services.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(localCORS)

	var recorder stream.Recorder
	if deps.Capture != nil {
		recorder = deps.Capture
	}
	var connections stream.Connections
	if deps.Connections != nil {
		connections = deps.Connections
	}

	r.Route("/api", func(api chi.Router) {
		stream.New(deps.Conversation, connections, recorder).RegisterRoutes(api)
		chat.New(deps.Conversation).RegisterRoutes(api)

		if deps.Capture != nil {
			recording.New(deps.Capture, deps.Conversation).RegisterRoutes(api)
		} else {
			unsupported := func(w http.ResponseWriter, _ *http.Request) {
				utils.RespondErrorBody(w, http.StatusNotImplemented, utils.ErrorBody{Error: "audio capture not configured", Code: "unsupported"})
			}
			api.HandleFunc("/recording", unsupported)
			api.HandleFunc("/recording/*", unsupported)
		}
	})

	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Metrics, promhttp.HandlerOpts{}))
	}

	return r
}

// localCORS 只放行本机来源的浏览器请求
func localCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && isLocalOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLocalOrigin(origin string) bool {
	for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "http://[::1]"} {
		if origin == prefix || strings.HasPrefix(origin, prefix+":") {
			return true
		}
	}
	return false
}
