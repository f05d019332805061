package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"sosalert/internal/domain"
	"sosalert/internal/session"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const defaultMaxBodyBytes = 64 << 10

// Controller is the SOS command surface.
type Controller interface {
	PressWithInfo(info map[string]string) bool
	Release() bool
	Snapshot() session.Snapshot
}

// Alerts is the history and pending-queue surface.
type Alerts interface {
	History(ctx context.Context) []domain.EmergencyAlert
	PendingCount(ctx context.Context) int
	RemovePending(ctx context.Context, alertID string) error
}

// Options wires router dependencies.
type Options struct {
	Controller   Controller
	Alerts       Alerts
	Stream       http.Handler
	Metrics      http.Handler
	HealthPath   string
	ReadyPath    string
	MetricsPath  string
	Ready        func() bool
	MaxBodyBytes int64
	Logger       *slog.Logger
}

// NewRouter builds HTTP surface for commands, queries, health checks and metrics.
// Params: router options; empty health paths fall back to /healthz, /readyz and /metrics.
// Returns: chi router.
func NewRouter(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	if opts.Ready == nil {
		opts.Ready = func() bool { return true }
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(opts.Logger))
	r.Use(middleware.Recoverer)

	r.Get(orDefault(opts.HealthPath, "/healthz"), func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get(orDefault(opts.ReadyPath, "/readyz"), func(w http.ResponseWriter, _ *http.Request) {
		if !opts.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not-ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	if opts.Metrics != nil {
		r.Handle(orDefault(opts.MetricsPath, "/metrics"), opts.Metrics)
	}

	h := &sosHandler{controller: opts.Controller, alerts: opts.Alerts, maxBody: opts.MaxBodyBytes, logger: opts.Logger}
	r.Route("/api/v1/sos", func(r chi.Router) {
		r.Post("/press", h.press)
		r.Post("/release", h.release)
		r.Get("/state", h.state)
		r.Get("/history", h.history)
		r.Get("/pending/count", h.pendingCount)
		r.Delete("/pending/{id}", h.clearPending)
		if opts.Stream != nil {
			r.Get("/ws", opts.Stream.ServeHTTP)
		}
	})
	return r
}

// requestLogger logs one line per request at debug level.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			started := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(started).String(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
