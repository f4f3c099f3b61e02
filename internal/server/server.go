// Package server exposes the pipeline over HTTP: build submission, status,
// cancellation and a live execution event stream.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"git.home.luguber.info/inful/forgeflow/internal/controller"
	"git.home.luguber.info/inful/forgeflow/internal/version"
)

// Server is the HTTP API front end.
type Server struct {
	ctrl       *controller.Controller
	listenAddr string
	httpServer *http.Server
	started    time.Time
}

// New builds a server around the controller. metricsHandler serves
// /metrics; pass nil to expose the default Prometheus registry.
func New(ctrl *controller.Controller, listenAddr string, metricsHandler http.Handler) *Server {
	s := &Server{ctrl: ctrl, listenAddr: listenAddr, started: time.Now()}
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/executions", s.handleStartBuild)
	mux.HandleFunc("GET /api/executions", s.handleListExecutions)
	mux.HandleFunc("GET /api/executions/{id}", s.handleGetExecution)
	mux.HandleFunc("GET /api/executions/{id}/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/executions/{id}/artifacts", s.handleListArtifacts)
	mux.HandleFunc("GET /api/executions/{id}/revisions", s.handleListRevisions)
	mux.HandleFunc("GET /api/executions/{id}/events", s.handleEvents)
	mux.HandleFunc("POST /api/executions/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", metricsHandler)

	s.httpServer = &http.Server{
		Addr:         listenAddr,
		Handler:      chain(mux),
		ReadTimeout:  30 * time.Second,
		IdleTimeout:  120 * time.Second,
		// No WriteTimeout: the event stream endpoint holds connections open.
	}
	return s
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	slog.Info("HTTP server listening", "addr", s.listenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.Version,
		"uptime":  time.Since(s.started).String(),
	})
}

// chain wraps the mux with request logging and panic recovery.
func chain(next http.Handler) http.Handler {
	return loggingMiddleware(panicRecoveryMiddleware(next))
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		slog.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			slog.Duration("duration", time.Since(start)),
			"remote_addr", r.RemoteAddr)
	})
}

func panicRecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				slog.Error("HTTP handler panic",
					"error", err,
					"path", r.URL.Path,
					"method", r.Method)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter captures status codes for logging.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush passes through so the event stream can push frames immediately.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
