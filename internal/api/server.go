// Package api exposes the HTTP interface for the deploy service.
package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ihmily/comfy-deploy/internal/delivery"
	"github.com/ihmily/comfy-deploy/internal/engine"
	"github.com/ihmily/comfy-deploy/internal/metrics"
	"github.com/ihmily/comfy-deploy/internal/task"
	"github.com/ihmily/comfy-deploy/internal/ws"
)

// Server wires HTTP handlers to the engine, registry, and delivery queue.
type Server struct {
	router    chi.Router
	engine    engine.Engine
	registry  *task.Registry
	queue     *delivery.Queue
	directory *ws.Directory
	wsHandler *ws.Handler
	toggles   *engine.Toggles
	idGen     task.IDGenerator
	clock     task.Clock
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	eng engine.Engine,
	registry *task.Registry,
	queue *delivery.Queue,
	directory *ws.Directory,
	wsHandler *ws.Handler,
	toggles *engine.Toggles,
	idGen task.IDGenerator,
	clock task.Clock,
	logger *zap.Logger,
	m *metrics.Metrics,
	gatherer prometheus.Gatherer,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		engine:    eng,
		registry:  registry,
		queue:     queue,
		directory: directory,
		wsHandler: wsHandler,
		toggles:   toggles,
		idGen:     idGen,
		clock:     clock,
		logger:    logger,
		metrics:   m,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))

	r.Get("/comfy-deploy/status", s.health)
	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/execute", s.execute)
		r.Get("/status/{prompt_id}", s.status)
		r.Get("/output/{prompt_id}/{node_id}", s.output)
		r.Get("/toggle_event_listener", s.toggleEventListener)
		r.Get("/toggle_verbose_logging", s.toggleVerboseLogging)
		r.Get("/ws/machine/{machine_id}", s.wsHandler.Machine)
		r.Get("/ws/task/{prompt_id}", s.wsHandler.Task)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": s.clock.Now().Unix(),
	}, s.logger)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Debug("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.String("path", r.URL.Path),
						zap.Any("panic", rec),
					)
					writeError(w, http.StatusInternalServerError, "internal server error", logger)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the websocket upgrader take over the connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacker not supported")
	}
	conn, buf, err := h.Hijack()
	if err != nil {
		return nil, nil, fmt.Errorf("hijack connection: %w", err)
	}
	return conn, buf, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil && logger != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string, logger *zap.Logger) {
	writeJSON(w, status, map[string]string{"error": msg}, logger)
}
