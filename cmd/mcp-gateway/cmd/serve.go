package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	httpadapter "github.com/akfldk1028/mcp-gateway/internal/adapter/inbound/http"
	mcpadapter "github.com/akfldk1028/mcp-gateway/internal/adapter/outbound/mcp"
	"github.com/akfldk1028/mcp-gateway/internal/adapter/outbound/memory"
	"github.com/akfldk1028/mcp-gateway/internal/config"
	"github.com/akfldk1028/mcp-gateway/internal/domain/transport"
	"github.com/akfldk1028/mcp-gateway/internal/service"
	"github.com/akfldk1028/mcp-gateway/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway",
	Long: `Start the MCP gateway HTTP server.

Endpoints:
  /mcp         Streamable HTTP (POST, GET, DELETE)
  /sse         SSE client transport
  /stdio       SSE client transport bound to a stdio backend
  /message     POST target for SSE sessions
  /health      liveness
  /config      default backend settings
  /metrics     Prometheus metrics

Examples:
  # Start with config file settings
  mcp-gateway serve

  # Verbose logging and verbatim error bodies
  mcp-gateway serve --dev

  # Start with a specific config file
  mcp-gateway --config /path/to/config.yaml serve`,
	RunE: runServe,
}

var devMode bool

func init() {
	serveCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (debug logging, verbatim error bodies)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// Load without validation so CLI flags can override first.
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if devMode {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	// stop() restores default signal handling so a second Ctrl+C kills hard.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop()
	}()

	logger := newLogger(cfg)
	if file := config.ConfigFileUsed(); file != "" {
		logger.Info("loaded config", "file", file)
	}

	pidPath := pidFilePath()
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}
	logger.Info("mcp-gateway stopped")
	return nil
}

// run wires the gateway components and serves until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	tp, shutdownTracing, err := telemetry.NewTracerProvider(ctx, telemetry.TracingConfig{
		Enabled:     cfg.Telemetry.Tracing,
		ServiceName: "mcp-gateway",
		Version:     Version,
	})
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}

	factory := mcpadapter.NewFactory(mcpadapter.FactoryConfig{
		DefaultEnv:       cfg.Backend.DefaultEnvMap(),
		ConnectTimeout:   config.MustDuration(cfg.Gateway.ConnectTimeout),
		HTTPTimeout:      config.MustDuration(cfg.Backend.HTTPTimeout),
		TerminateTimeout: config.MustDuration(cfg.Backend.TerminateTimeout),
	}, logger, mcpadapter.WithTracerProvider(tp))

	registry := memory.NewSessionRegistry(
		memory.WithIdleTTL(config.MustDuration(cfg.Gateway.SessionIdleTTL)),
		memory.WithCleanupInterval(config.MustDuration(cfg.Gateway.CleanupInterval)),
		memory.WithLogger(logger),
	)
	registry.StartCleanup(ctx)
	defer registry.Stop()

	reg := httpadapter.NewRegistry()
	metrics := httpadapter.NewMetrics(reg)

	gateway := service.NewGatewayService(factory, registry, logger,
		service.WithSessionMode(service.SessionMode(cfg.Gateway.SessionMode)),
		service.WithMetrics(metrics),
	)

	srv := httpadapter.NewServer(gateway,
		httpadapter.WithAddr(cfg.Server.HTTPAddr),
		httpadapter.WithAllowedOrigins(cfg.Server.AllowedOrigins),
		httpadapter.WithExposeErrors(cfg.Server.ExposeErrors),
		httpadapter.WithShutdownTimeout(config.MustDuration(cfg.Server.ShutdownTimeout)),
		httpadapter.WithMessageEndpoint(cfg.Gateway.MessageEndpoint),
		httpadapter.WithBackendDefaults(httpadapter.BackendDefaults{
			TransportType: transport.Type(cfg.Backend.DefaultTransportType),
			Command:       cfg.Backend.DefaultCommand,
			Args:          cfg.Backend.DefaultArgs,
		}, factory.DefaultEnv),
		httpadapter.WithMetrics(reg, metrics),
		httpadapter.WithLogger(logger),
		httpadapter.WithVersion(Version),
	)

	logger.Info("gateway configured",
		"addr", cfg.Server.HTTPAddr,
		"session_mode", cfg.Gateway.SessionMode,
		"default_transport", cfg.Backend.DefaultTransportType,
		"tracing", cfg.Telemetry.Tracing,
	)

	serveErr := srv.Start(ctx)

	// The serve context is already cancelled here; give the exporter its own.
	flushCtx, cancel := context.WithTimeout(context.Background(), config.MustDuration(cfg.Server.ShutdownTimeout))
	defer cancel()
	if err := shutdownTracing(flushCtx); err != nil {
		logger.Warn("failed to flush traces", "error", err)
	}

	return serveErr
}

// newLogger builds the process logger. DevMode always forces debug.
func newLogger(cfg *config.Config) *slog.Logger {
	level := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
