// Package server exposes the gateway over loopback HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/posthog/dbsidecar/gateway"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config configures the HTTP surface.
type Config struct {
	Host string
	Port int
	// DefaultMaxRows caps requests that omit max_rows.
	DefaultMaxRows int
	// ShutdownTimeout bounds Shutdown when the caller's context has no
	// deadline.
	ShutdownTimeout time.Duration
}

// Server serves the sidecar endpoints and owns the process shutdown order.
type Server struct {
	cfg     Config
	engine  *gin.Engine
	httpSrv *http.Server

	mu       sync.Mutex
	listener net.Listener
	closers  []closer

	shutdownOnce sync.Once
	shutdownErr  error
}

type closer struct {
	name string
	fn   func(context.Context) error
}

// New builds a server over gw and pools. The server does not listen until
// ListenAndServe or Serve is called.
func New(cfg Config, gw QueryGateway, pools PoolDirectory) *Server {
	if cfg.DefaultMaxRows == 0 {
		cfg.DefaultMaxRows = gateway.DefaultMaxRows
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	h := &handlers{gw: gw, pools: pools, defaultMaxRows: cfg.DefaultMaxRows, now: time.Now}
	engine := gin.New()
	engine.Use(recoverer(), requestLogger(), corsMiddleware())
	engine.GET("/health", h.health)
	engine.POST("/test-connection", h.testConnection)
	engine.POST("/query", h.query)
	engine.POST("/query-dict", h.queryDict)
	engine.GET("/pools", h.listPools)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s := &Server{cfg: cfg, engine: engine}
	s.httpSrv = &http.Server{
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// OnShutdown registers fn to run during Shutdown after the listener has
// stopped. Closers run in registration order.
func (s *Server) OnShutdown(name string, fn func(context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closers = append(s.closers, closer{name: name, fn: fn})
}

// Addr is the bound listen address, or the configured one before binding.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

// ListenAndServe binds Host:Port and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(l)
}

// Serve serves on l until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	slog.Info("Sidecar listening.", "addr", l.Addr().String())
	if err := s.httpSrv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests, waits for in-flight ones and then runs
// the registered closers. Every call after the first returns the first
// call's result.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
			defer cancel()
		}

		slog.Info("Shutting down sidecar.")
		var errs []error
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			slog.Warn("HTTP shutdown did not complete cleanly.", "error", err)
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}

		s.mu.Lock()
		closers := append([]closer(nil), s.closers...)
		s.mu.Unlock()
		for _, c := range closers {
			if err := c.fn(ctx); err != nil {
				slog.Warn("Shutdown step failed.", "step", c.name, "error", err)
				errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
			}
		}
		s.shutdownErr = errors.Join(errs...)
		slog.Info("Shutdown complete.")
	})
	return s.shutdownErr
}
