// Package api exposes the gate engine over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/gatekeeper/internal/api/health"
	"github.com/ahrav/gatekeeper/internal/config"
	domain "github.com/ahrav/gatekeeper/internal/domain/gate"
	"github.com/ahrav/gatekeeper/pkg/common"
	"github.com/ahrav/gatekeeper/pkg/common/logger"
	"github.com/ahrav/gatekeeper/pkg/common/otel"
)

// GateController is the subset of the gate engine the API drives.
type GateController interface {
	Press(ctx context.Context) error
	Retry(ctx context.Context) error
	State() domain.State
	Targets() domain.TargetList
}

// Server routes HTTP requests to the gate engine.
type Server struct {
	cfg     config.APIConfig
	gate    GateController
	limiter *common.RateLimiter
	watcher TransitionWatcher
	metrics APIMetrics

	logger *logger.Logger
	tracer trace.Tracer
	router *chi.Mux
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithTransitions enables the GET /v1/gate/events stream.
func WithTransitions(w TransitionWatcher) ServerOption {
	return func(s *Server) { s.watcher = w }
}

// NewServer builds the router. ready backs the readiness probe; limiter
// throttles trigger requests and may be nil to accept every press.
func NewServer(
	cfg config.APIConfig,
	gate GateController,
	limiter *common.RateLimiter,
	ready func() bool,
	metrics APIMetrics,
	log *logger.Logger,
	tracer trace.Tracer,
	opts ...ServerOption,
) *Server {
	log = log.With("component", "api")

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(otel.Middleware(tracer))
	r.Use(loggerMiddleware(log))
	r.Use(metricsMiddleware(metrics))
	r.Use(middleware.Recoverer)

	s := &Server{
		cfg:     cfg,
		gate:    gate,
		limiter: limiter,
		metrics: metrics,
		logger:  log,
		tracer:  tracer,
		router:  r,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.routes(ready)
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func loggerMiddleware(log *logger.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				ctx := r.Context()
				log.Info(ctx, "Request completed",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration", time.Since(start),
					"trace_id", otel.GetTraceID(ctx),
					"span_id", otel.GetSpanID(ctx),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

func metricsMiddleware(metrics APIMetrics) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			// Label by route pattern so path parameters do not explode cardinality.
			path := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				path = rctx.RoutePattern()
			}
			metrics.IncRequestsTotal(r.Context(), r.Method, path, ww.Status())
			metrics.ObserveRequestDuration(r.Context(), r.Method, path, time.Since(start))
		})
	}
}

func (s *Server) routes(ready func() bool) {
	cors := corsMiddleware(s.cfg.AllowedOrigins)

	s.router.Route("/v1", func(r chi.Router) {
		health.Routes(r, health.Config{Log: s.logger, Ready: ready})

		r.Route("/gate", func(r chi.Router) {
			r.With(cors).Post("/trigger", s.handleTrigger)
			r.With(cors).Options("/trigger", preflight)
			r.Post("/retry", s.handleRetry)
			r.Get("/state", s.handleState)
			r.Get("/targets", s.handleTargets)
			if s.watcher != nil {
				r.Get("/events", s.handleEvents)
			}
		})
	})

	// Plain text trigger endpoint kept for simple clients such as shell
	// scripts and home automation webhooks.
	s.router.With(cors).Post("/trigger", s.handleLegacyTrigger)
	s.router.With(cors).Options("/trigger", preflight)
}

// Start serves until ctx is cancelled and then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	return s.serve(ctx, ln)
}

// serve runs the HTTP server on ln. Request contexts derive from ctx, so
// long-lived event streams end as soon as shutdown begins.
func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	shutdownTimeout := s.cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(shutdownCtx, "failed to shutdown server", "error", err)
		}
	}()

	s.logger.Info(ctx, "starting server", "addr", ln.Addr().String())

	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
