// Package api provides the HTTP server that receives push notifications and
// renewal tasks for the calendar mirror.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/calmirror/calmirror/internal/auth"
)

// ServerOption configures the webhook API server
type ServerOption func(*serverConfig)

// serverConfig holds the server configuration
type serverConfig struct {
	middlewares []func(http.Handler) http.Handler
	status      StatusReader
}

// WithMiddlewares adds middleware to the server
func WithMiddlewares(mw ...func(http.Handler) http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithStatusReader exposes the last sync run record on GET /status.
func WithStatusReader(sr StatusReader) ServerOption {
	return func(cfg *serverConfig) {
		cfg.status = sr
	}
}

// NewServer creates and configures the HTTP router. The webhook routes are
// protected by the shared callback token; health and version are open.
func NewServer(svc SubscriptionService, callbackToken string, opts ...ServerOption) *chi.Mux {
	cfg := &serverConfig{
		middlewares: []func(http.Handler) http.Handler{},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	r := chi.NewRouter()
	for _, mw := range cfg.middlewares {
		r.Use(mw)
	}

	r.Mount("/", HealthRouter())

	routes := NewRoutes(svc)
	if cfg.status != nil {
		r.Get("/status", routes.getStatusHandler(cfg.status))
	}
	r.Route("/webhook", func(r chi.Router) {
		r.Use(auth.TokenMiddleware(callbackToken))
		r.Post("/channel", routes.postChannelNotification)
		r.Post("/renewal", routes.postRenewal)
	})

	return r
}

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
