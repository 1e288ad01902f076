// Package server hosts the gate in front of the wrapped application and runs
// the drain sequence on shutdown.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/sqsd-gate/internal/gate"
	"github.com/mattjoyce/sqsd-gate/internal/lifecycle"
	"github.com/mattjoyce/sqsd-gate/internal/metrics"
)

// Config holds listener and shutdown settings.
type Config struct {
	Listen          string
	MetricsListen   string // empty disables the metrics listener
	DrainGrace      time.Duration
	ShutdownTimeout time.Duration
}

// Server represents the gate HTTP server.
type Server struct {
	config  Config
	gate    *gate.Gate
	app     http.Handler
	flag    *lifecycle.Flag
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a server. app receives every request the gate passes through.
// m may be nil.
func New(config Config, g *gate.Gate, app http.Handler, flag *lifecycle.Flag, m *metrics.Metrics, logger *slog.Logger) *Server {
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 30 * time.Second
	}
	return &Server{
		config:  config,
		gate:    g,
		app:     app,
		flag:    flag,
		metrics: m,
		logger:  logger,
	}
}

// Start listens on the configured addresses and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Listen, err)
	}

	var metricsLn net.Listener
	if s.metrics != nil && s.config.MetricsListen != "" {
		metricsLn, err = net.Listen("tcp", s.config.MetricsListen)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("listen %s: %w", s.config.MetricsListen, err)
		}
	}
	return s.Serve(ctx, ln, metricsLn)
}

// Serve serves on ln (and metricsLn when non-nil) until ctx is cancelled.
// On cancellation the lifecycle flag moves to Draining, job messages are
// refused for DrainGrace, then the listeners shut down gracefully.
func (s *Server) Serve(ctx context.Context, ln, metricsLn net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: job messages are answered when the job finishes.
	}
	servers := []*http.Server{srv}

	errCh := make(chan error, 2)
	serve := func(hs *http.Server, l net.Listener) {
		if err := hs.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}

	s.logger.Info("gate server starting", "listen", ln.Addr().String(), "gate_enabled", s.gate.Enabled())
	go serve(srv, ln)

	if metricsLn != nil {
		msrv := &http.Server{
			Handler:           s.MetricsHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		servers = append(servers, msrv)
		s.logger.Info("metrics server starting", "listen", metricsLn.Addr().String())
		go serve(msrv, metricsLn)
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		_ = s.shutdown(servers)
		return fmt.Errorf("gate server error: %w", err)
	}

	s.drain()
	if err := s.shutdown(servers); err != nil {
		return fmt.Errorf("gate server shutdown failed: %w", err)
	}
	s.logger.Info("gate server stopped")
	return nil
}

func (s *Server) drain() {
	if s.flag.BeginDrain() {
		s.metrics.SetDraining(true)
		s.logger.Info("draining: refusing new job messages", "grace", s.config.DrainGrace)
	}
	if s.config.DrainGrace > 0 {
		time.Sleep(s.config.DrainGrace)
	}
}

func (s *Server) shutdown(servers []*http.Server) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	var errs []error
	for _, hs := range servers {
		if err := hs.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Handler returns the main router: gate in front of the application.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// No RealIP: the gate must see the TCP peer.
	r.Use(middleware.RequestID)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(s.gate.Middleware)

	r.Handle("/*", s.app)
	return r
}

// MetricsHandler serves /metrics and /healthz.
func (s *Server) MetricsHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	r.Get("/healthz", s.handleHealth)
	return r
}

// HealthResponse is the /healthz body.
type HealthResponse struct {
	State         string     `json:"state"`
	DrainingSince *time.Time `json:"draining_since,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{State: s.flag.CurrentState().String()}
	status := http.StatusOK
	if s.flag.CurrentState() == lifecycle.Draining {
		since := s.flag.DrainingSince()
		resp.DrainingSince = &since
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// loggingMiddleware logs HTTP requests (excludes bodies).
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		)
	})
}
