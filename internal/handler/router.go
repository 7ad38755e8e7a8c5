package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-relay/internal/handler/dialog"
	"github.com/zhouzirui/z-relay/internal/handler/incoming"
	"github.com/zhouzirui/z-relay/internal/metrics"
	"github.com/zhouzirui/z-relay/internal/model/profile"
	"github.com/zhouzirui/z-relay/internal/transport"
	"github.com/zhouzirui/z-relay/pkg/utils"
)

// Deps 描述 HTTP 层依赖。Receiver 为 nil 时不注册入站接口，
// History 或 Dispatcher 为 nil 时不注册管理接口。
type Deps struct {
	Receiver    incoming.Receiver
	Transcriber transport.Transcriber
	History     dialog.History
	Dispatcher  dialog.Dispatcher
	Profiles    profile.Store
	Metrics     *metrics.Metrics
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger.Named("http")))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())

	r.Route("/api", func(api chi.Router) {
		if deps.Receiver != nil {
			incoming.New(deps.Receiver, deps.Transcriber, logger).RegisterRoutes(api)
		}
		if deps.History != nil && deps.Dispatcher != nil {
			dialog.New(deps.History, deps.Dispatcher, deps.Profiles, logger).RegisterRoutes(api)
		}
	})

	return r
}

// requestLogger 用 zap 记录每个请求的状态码与耗时。
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Debug("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("elapsed", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
