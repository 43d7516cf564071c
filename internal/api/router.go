// Package api exposes message ingestion and the analytics operations over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/comigor/friday-analytics/internal/logger"
	"github.com/comigor/friday-analytics/internal/metrics"
	"github.com/comigor/friday-analytics/internal/pipeline"
	"github.com/comigor/friday-analytics/internal/store"
)

// Store is the storage the handlers need.
type Store interface {
	SaveMessage(ctx context.Context, msg store.Message) (int64, error)
	StartSession(ctx context.Context, sess store.Session) error
	EndSession(ctx context.Context, userID int64, sessionID string) error
	ListSessions(ctx context.Context, userID int64, limit int) ([]store.Session, error)
	DeleteSession(ctx context.Context, userID int64, sessionID string) (int64, error)
	Overview(ctx context.Context, latest, keywords int) (store.Overview, error)
	Stats(ctx context.Context) (store.Stats, error)
	Backfill(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}

// Processor runs the analytics paths.
type Processor interface {
	RunOnce(ctx context.Context) pipeline.RunResult
	ProcessSession(ctx context.Context, sessionID string) pipeline.SessionResult
}

// Limits are the default sizes of the overview report.
type Limits struct {
	Overview int
	Keywords int
}

// NewRouter wires the HTTP routes.
func NewRouter(st Store, proc Processor, limits Limits) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger.With("http")))
	r.Use(middleware.Recoverer)

	h := &Handler{store: st, proc: proc, limits: limits}

	r.Get("/healthz", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Route("/api", h.RegisterRoutes)

	return r
}

// requestLogger logs one line per request through slog.
func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info("request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start),
					"request_id", middleware.GetReqID(r.Context()))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
