// Package api serves the worker's ops surface: liveness, readiness, state
// introspection, build info, and the live event stream.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/stevedore/internal/events"
	"github.com/mattjoyce/stevedore/internal/gate"
	"github.com/mattjoyce/stevedore/internal/handler"
	"github.com/mattjoyce/stevedore/internal/log"
	"github.com/mattjoyce/stevedore/internal/worker"
)

// BuildInfo identifies the running binary on /buildz.
type BuildInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Go      string `json:"go"`
}

// EngineStatus is the slice of the worker engine the ops surface reads.
type EngineStatus interface {
	Ready() bool
	Draining() bool
	Snapshot() worker.StatsSnapshot
}

type Server struct {
	listen   string
	workerID string
	build    BuildInfo
	engine   EngineStatus
	gate     *gate.Gate
	registry *handler.Registry
	hub      *events.Hub
	started  time.Time
	server   *http.Server
}

func NewServer(listen, workerID string, build BuildInfo, engine EngineStatus, g *gate.Gate, registry *handler.Registry, hub *events.Hub) *Server {
	if build.Go == "" {
		build.Go = runtime.Version()
	}
	s := &Server{
		listen:   listen,
		workerID: workerID,
		build:    build,
		engine:   engine,
		gate:     g,
		registry: registry,
		hub:      hub,
		started:  time.Now(),
	}
	s.server = &http.Server{
		Addr:              listen,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	logger := log.WithComponent("api")
	logger.Info("ops server listening", "addr", s.listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("ops server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("ops server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("ops server error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Get("/statez", s.handleStatez)
	r.Get("/buildz", s.handleBuildz)
	r.Get("/events", s.handleEvents)

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.WithComponent("api").Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// handleReadyz reports whether the worker should receive traffic. A
// draining worker answers 503 so orchestrators stop routing to it while
// in-flight jobs finish.
func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	switch {
	case s.engine.Draining():
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "DRAINING")
	case !s.engine.Ready():
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "NOT_READY")
	default:
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "READY")
	}
}

func (s *Server) handleStatez(w http.ResponseWriter, _ *http.Request) {
	state := map[string]any{
		"worker_id":       s.workerID,
		"draining":        s.engine.Draining(),
		"active_jobs":     s.gate.InUse(),
		"max_concurrency": s.gate.Capacity(),
		"load":            s.gate.Load(),
		"uptime_seconds":  int64(time.Since(s.started).Seconds()),
		"job_types":       s.registry.Types(),
		"counters":        s.engine.Snapshot(),
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleBuildz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.build)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithComponent("api").Error("encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
