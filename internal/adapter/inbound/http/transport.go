package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/akfldk1028/mcp-gateway/internal/service"
)

// defaultShutdownTimeout bounds graceful shutdown when none is configured.
const defaultShutdownTimeout = 10 * time.Second

// Server is the HTTP front of the gateway.
type Server struct {
	gateway         *service.GatewayService
	addr            string
	allowedOrigins  []string
	exposeErrors    bool
	shutdownTimeout time.Duration
	messageEndpoint string
	defaults        BackendDefaults
	defaultEnv      func() map[string]string
	version         string
	logger          *slog.Logger

	registry *prometheus.Registry
	metrics  *Metrics

	mu     sync.Mutex
	server *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(s *Server) {
		s.addr = addr
	}
}

// WithAllowedOrigins sets the origin allow-list used for CORS and origin
// rejection. "*" allows any origin.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithExposeErrors makes 500 responses carry the underlying error text.
func WithExposeErrors(expose bool) Option {
	return func(s *Server) {
		s.exposeErrors = expose
	}
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// WithMessageEndpoint sets the path SSE clients POST messages to.
func WithMessageEndpoint(path string) Option {
	return func(s *Server) {
		if path != "" {
			s.messageEndpoint = path
		}
	}
}

// WithBackendDefaults sets the values used when a request omits backend
// parameters. env supplies the defaultEnvironment reported by /config.
func WithBackendDefaults(defaults BackendDefaults, env func() map[string]string) Option {
	return func(s *Server) {
		s.defaults = defaults
		s.defaultEnv = env
	}
}

// WithMetrics shares metrics and the registry they live in. Without it the
// server creates its own.
func WithMetrics(reg *prometheus.Registry, m *Metrics) Option {
	return func(s *Server) {
		s.registry = reg
		s.metrics = m
	}
}

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// NewRegistry returns a Prometheus registry with the Go and process
// collectors installed.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// NewServer creates the HTTP server for gateway.
func NewServer(gateway *service.GatewayService, opts ...Option) *Server {
	s := &Server{
		gateway:         gateway,
		addr:            "127.0.0.1:3000",
		allowedOrigins:  defaultAllowedOrigins,
		shutdownTimeout: defaultShutdownTimeout,
		messageEndpoint: defaultMessageEndpoint,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = NewRegistry()
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(s.registry)
	}
	return s
}

// Handler builds the routed handler with its middleware chain.
//
// Middleware order (outermost first):
// 1. MetricsMiddleware - records duration and status, so it wraps everything
// 2. RequestID - extracts or generates the request id and enriches the logger
// 3. DNSRebindingProtection - rejects disallowed origins before any backend spawns
// 4. CORS - answers preflight and sets the exposed headers
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	h := newHandler(s.gateway, s.defaults, s.messageEndpoint, s.exposeErrors, s.logger)
	h.register(mux)

	mux.Handle("GET /health", HealthHandler(s.version))
	mux.Handle("GET /config", ConfigHandler(s.defaults, s.defaultEnv))
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		Registry: s.registry,
	}))

	var handler http.Handler = mux
	handler = CORSMiddleware(s.allowedOrigins)(handler)
	handler = DNSRebindingProtection(s.allowedOrigins)(handler)
	handler = RequestIDMiddleware(s.logger)(handler)
	handler = MetricsMiddleware(s.metrics, "/mcp", "/stdio", "/sse", "/config", s.messageEndpoint)(handler)
	return handler
}

// Start serves until ctx is cancelled or the listener fails. On
// cancellation every session is closed before the server stops.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down HTTP server")
		return s.shutdown()
	case err := <-errCh:
		return err
	}
}

// shutdown closes all sessions, then stops the HTTP server.
func (s *Server) shutdown() error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	var errs []error
	if err := s.gateway.CloseAll(ctx); err != nil {
		s.logger.Warn("error closing sessions", "error", err)
		errs = append(errs, err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Error("error during server shutdown", "error", err)
		errs = append(errs, err)
	}

	s.logger.Info("HTTP server shutdown complete")
	return errors.Join(errs...)
}

// Close gracefully shuts down the server.
func (s *Server) Close() error {
	return s.shutdown()
}
