// Package api serves darkwatch's read-only status endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lvonguyen/darkwatch/internal/engine"
	"github.com/lvonguyen/darkwatch/internal/observability"
	"github.com/lvonguyen/darkwatch/internal/targets"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// LatestProvider exposes the most recent cycle.
type LatestProvider interface {
	Latest() *engine.CycleResult
}

// HistoryReader returns recent cycles, newest first.
type HistoryReader interface {
	Recent(n int) ([]*engine.CycleResult, error)
}

// TargetProvider exposes the watch targets in effect.
type TargetProvider interface {
	Targets() *targets.Set
}

// Check is one readiness probe.
type Check func(ctx context.Context) error

// Options configures the status server.
type Options struct {
	Addr            string
	Version         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	Latest  LatestProvider
	History HistoryReader
	Targets TargetProvider
	Checks  map[string]Check

	Metrics     *observability.Metrics
	RateLimiter *RateLimiter
	Logger      *zap.Logger
}

// Server is the status HTTP server.
type Server struct {
	opts   Options
	logger *zap.Logger
	router chi.Router
}

// NewServer builds the router.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{opts: opts, logger: opts.Logger.Named("api")}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		if s.opts.RateLimiter != nil {
			r.Use(s.opts.RateLimiter.Middleware)
		}
		r.Get("/cycles/latest", s.handleLatestCycle)
		r.Get("/cycles", s.handleListCycles)
		r.Get("/targets", s.handleTargets)
	})

	return r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s.router,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Status API listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("status api: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("status api shutdown: %w", err)
	}
	s.logger.Info("Status API stopped")
	return nil
}

// requestLogger logs each request and records it by route pattern.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		elapsed := time.Since(start)

		s.opts.Metrics.ObserveRequest(r.Method, path, strconv.Itoa(status), elapsed)
		s.logger.Debug("Request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Duration("elapsed", elapsed),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": s.opts.Version})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(s.opts.Checks))
	status, code := "ready", http.StatusOK
	for name, check := range s.opts.Checks {
		if err := check(r.Context()); err != nil {
			checks[name] = err.Error()
			status, code = "not_ready", http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": checks})
}

func (s *Server) handleLatestCycle(w http.ResponseWriter, r *http.Request) {
	var latest *engine.CycleResult
	if s.opts.Latest != nil {
		latest = s.opts.Latest.Latest()
	}
	if latest == nil {
		writeError(w, http.StatusNotFound, "no cycle has completed yet")
		return
	}
	writeJSON(w, http.StatusOK, latest)
}

func (s *Server) handleListCycles(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		writeError(w, http.StatusNotFound, "cycle history is not enabled")
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	cycles, err := s.opts.History.Recent(limit)
	if err != nil {
		s.logger.Error("Failed to read cycle history", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read cycle history")
		return
	}
	if cycles == nil {
		cycles = []*engine.CycleResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"cycles": cycles, "count": len(cycles)})
}

func (s *Server) handleTargets(w http.ResponseWriter, r *http.Request) {
	var set *targets.Set
	if s.opts.Targets != nil {
		set = s.opts.Targets.Targets()
	}
	if set == nil {
		writeError(w, http.StatusServiceUnavailable, "targets not loaded yet")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"targets": set, "count": set.Len()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
