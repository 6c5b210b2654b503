// Package server provides the optional HTTP endpoint of a testvis run.
//
// It serves a health check at GET /health and Prometheus metrics at
// GET /metrics, and shuts down gracefully when its context is cancelled.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/testvis/internal/logging"
)

// Config holds the server settings.
type Config struct {
	Addr            string
	Service         string
	ShutdownTimeout time.Duration
}

// HealthCheck reports a problem with one component, or nil.
type HealthCheck func() error

// Server represents the HTTP server.
type Server struct {
	config Config
	echo   *echo.Echo
	logger *logging.Logger

	mu     sync.RWMutex
	checks map[string]HealthCheck
	addr   net.Addr
	ready  chan struct{}
}

// HealthResponse is the JSON response for /health endpoint.
type HealthResponse struct {
	Status  string            `json:"status"`
	Service string            `json:"service"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// NewServer creates a server with the health and metrics routes.
//
// Example:
//
//	srv := server.NewServer(server.Config{Addr: ":9464", Service: "testvis"}, logger)
//	go func() { _ = srv.Start(ctx) }()
func NewServer(cfg Config, logger *logging.Logger) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		config: cfg,
		echo:   e,
		logger: logging.OrNop(logger).Named("server"),
		checks: make(map[string]HealthCheck),
		ready:  make(chan struct{}),
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug(c.Request().Context(), "http request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status))
			return nil
		},
	}))

	s.registerRoutes()
	return s
}

// AddHealthCheck registers a named check consulted by /health.
func (s *Server) AddHealthCheck(name string, check HealthCheck) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = check
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// handleHealth answers 200 when every check passes and 503 otherwise.
func (s *Server) handleHealth(c echo.Context) error {
	s.mu.RLock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	response := HealthResponse{Status: "ok", Service: s.config.Service}
	for _, name := range names {
		if err := s.checks[name](); err != nil {
			if response.Checks == nil {
				response.Checks = make(map[string]string)
			}
			response.Checks[name] = err.Error()
			response.Status = "degraded"
		}
	}
	s.mu.RUnlock()

	code := http.StatusOK
	if response.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, response)
}

// Start serves until ctx is cancelled, then shuts down within the
// configured timeout. It returns http.ErrServerClosed after a graceful
// shutdown.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("server listen: %w", err)
	}
	s.echo.Listener = ln

	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()
	close(s.ready)

	s.logger.Info(ctx, "serving metrics and health",
		zap.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server start: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return http.ErrServerClosed
	}
}

// Ready is closed once the server is listening.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// Echo returns the underlying Echo instance for registering additional routes.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
