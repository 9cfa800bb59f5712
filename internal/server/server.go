// Package server is the HTTP boundary: it owns the listener, request
// logging, the request-body cap, the 404/413 responses, and the read-only
// meta API under /_fluxion/. Everything else is delegated to the file
// runtime.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fluxionhq/fluxion/internal/metrics"
	"github.com/fluxionhq/fluxion/internal/runtime"
)

// metaPrefix guards the meta API. Underscore-prefixed segments never reach
// the dynamic directory, so the prefix cannot collide with operator content.
const metaPrefix = "/_fluxion/"

// Config assembles the boundary.
type Config struct {
	Runtime         *runtime.FileRuntime
	Logger          *slog.Logger
	Metrics         *metrics.Collector
	MetricsRegistry *prometheus.Registry // non-nil exposes /metrics
	MaxRequestBytes int64
}

// Server answers HTTP out of the runtime.
type Server struct {
	runtime        *runtime.FileRuntime
	log            *slog.Logger
	metrics        *metrics.Collector
	metricsHandler http.Handler
	maxRequest     int64
}

// New builds the boundary. MaxRequestBytes must be positive when set; zero
// disables the cap.
func New(cfg Config) (*Server, error) {
	if cfg.MaxRequestBytes < 0 {
		return nil, fmt.Errorf("server: maxRequestBytes must be positive, got %d", cfg.MaxRequestBytes)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		runtime:    cfg.Runtime,
		log:        log,
		metrics:    cfg.Metrics,
		maxRequest: cfg.MaxRequestBytes,
	}
	if cfg.MetricsRegistry != nil {
		s.metricsHandler = promhttp.HandlerFor(cfg.MetricsRegistry, promhttp.HandlerOpts{})
	}
	return s, nil
}

// statusRecorder captures the status code for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.route(rec, r)
	elapsed := time.Since(start)
	s.log.Info("request",
		"method", r.Method,
		"path", r.URL.Path,
		"status", rec.status,
		"duration", elapsed)
	s.metrics.RecordRequest(r.Method, rec.status, elapsed)
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, metaPrefix) {
		s.serveMeta(w, r)
		return
	}
	if s.metricsHandler != nil && r.URL.Path == "/metrics" {
		s.metricsHandler.ServeHTTP(w, r)
		return
	}

	if s.maxRequest > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxRequest)
	}
	handled, err := s.runtime.Dispatch(w, r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{
				"message": fmt.Sprintf("request body too large: limit %d bytes", tooLarge.Limit),
			})
			return
		}
		s.log.Error("dispatch failed", "method", r.Method, "url", r.URL.RequestURI(), "error", err)
		if !handled {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"message": "Internal Server Error"})
		}
		return
	}
	if !handled {
		s.writeNotFound(w, r)
	}
}

func (s *Server) serveMeta(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeNotFound(w, r)
		return
	}
	switch strings.TrimPrefix(r.URL.Path, metaPrefix) {
	case "routes":
		snapshot, err := s.runtime.RouteSnapshot()
		if err != nil {
			s.log.Error("route snapshot failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]any{"message": "Internal Server Error"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"routes": snapshot})
	case "healthz":
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "now": time.Now().UnixMilli()})
	case "workers":
		writeJSON(w, http.StatusOK, map[string]any{"workers": s.runtime.WorkerSnapshots()})
	default:
		s.writeNotFound(w, r)
	}
}

func (s *Server) writeNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]any{
		"message": "Route not found",
		"method":  r.Method,
		"url":     r.URL.RequestURI(),
	})
}

// Run serves on addr until ctx is canceled, then drains connections.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info("listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
