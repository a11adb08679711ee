// Package api exposes fleetd over HTTP: the WebSocket event stream, JSON
// stats endpoints for dashboards, health, and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentfleet/fleetd/pkg/config"
	"github.com/agentfleet/fleetd/pkg/coordinator"
	"github.com/agentfleet/fleetd/pkg/events"
	"github.com/agentfleet/fleetd/pkg/fleet"
	"github.com/agentfleet/fleetd/pkg/metrics"
	"github.com/agentfleet/fleetd/pkg/router"
	"github.com/agentfleet/fleetd/pkg/stream"
)

// Deps are the components the server exposes. Bus, Aggregator, and Stream
// are required; the rest may be nil and their endpoints degrade gracefully.
type Deps struct {
	Bus         *events.Bus
	Aggregator  *metrics.Aggregator
	Stream      *stream.Manager
	Router      *router.Router
	Tracker     *fleet.Tracker
	Coordinator *coordinator.Coordinator
}

// Server is the fleetd HTTP server.
type Server struct {
	cfg  *config.Config
	deps Deps

	root       http.Handler
	httpServer *http.Server
	registry   *prometheus.Registry
}

// NewServer builds the server and its routes.
func NewServer(cfg *config.Config, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:      cfg,
		deps:     deps,
		registry: prometheus.NewRegistry(),
	}
	if deps.Bus != nil && deps.Aggregator != nil {
		s.registry.MustRegister(metrics.NewCollector(deps.Bus, deps.Aggregator))
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	engine.GET("/healthz", s.health)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	apiGroup := engine.Group("/api")
	{
		apiGroup.GET("/stats", s.stats)
		apiGroup.GET("/metrics", s.metricsSnapshot)
		apiGroup.GET("/workflows/:id", s.workflow)
		apiGroup.GET("/events/types", s.eventTypes)
	}

	// The WebSocket upgrade hijacks the connection, which gin's wrapped
	// ResponseWriter does not support, so /ws is routed around the engine.
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.websocket)
	mux.Handle("/", engine)

	s.root = mux
	return s
}

// Handler returns the HTTP handler, for tests and embedding hosts.
func (s *Server) Handler() http.Handler {
	return s.root
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Streaming.Host, s.cfg.Streaming.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.root,
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("HTTP server listening", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// StartWithListener serves on a pre-bound listener. Used by tests that need
// an OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.root,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and closes streaming connections.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.deps.Stream != nil {
		s.deps.Stream.Shutdown()
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// requestLogger logs one line per request, skipping the noisy probes.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" || c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		slog.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", float64(time.Since(start))/float64(time.Millisecond))
	}
}
