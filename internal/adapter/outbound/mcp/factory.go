package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/akfldk1028/mcp-gateway/internal/domain/transport"
)

const tracerName = "github.com/akfldk1028/mcp-gateway/internal/adapter/outbound/mcp"

// FactoryConfig holds the tunables for backend transports.
type FactoryConfig struct {
	// DefaultEnv is layered over the process environment and under the
	// caller's env for stdio backends.
	DefaultEnv map[string]string
	// ConnectTimeout bounds Start. Zero means no bound.
	ConnectTimeout time.Duration
	// HTTPTimeout bounds the wait for backend response headers.
	HTTPTimeout time.Duration
	// TerminateTimeout is the SIGTERM to SIGKILL grace period.
	TerminateTimeout time.Duration
}

// Factory builds and starts backend transports.
type Factory struct {
	cfg        FactoryConfig
	httpClient *http.Client
	tracer     trace.Tracer
	logger     *slog.Logger
}

// FactoryOption is a functional option for configuring Factory.
type FactoryOption func(*Factory)

// WithHTTPClient sets the client used by sse and streamable-http backends.
func WithHTTPClient(client *http.Client) FactoryOption {
	return func(f *Factory) {
		f.httpClient = client
	}
}

// WithTracerProvider sets the provider for backend.connect spans. The global
// provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) FactoryOption {
	return func(f *Factory) {
		f.tracer = tp.Tracer(tracerName)
	}
}

// NewFactory creates a Factory.
func NewFactory(cfg FactoryConfig, logger *slog.Logger, opts ...FactoryOption) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Factory{
		cfg:    cfg,
		tracer: otel.Tracer(tracerName),
		logger: logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.httpClient == nil {
		f.httpClient = newHTTPClient(cfg.HTTPTimeout)
	}
	return f
}

// DefaultEnv returns the default environment given to stdio backends.
func (f *Factory) DefaultEnv() map[string]string {
	return DefaultEnvironment(f.cfg.DefaultEnv)
}

// Create builds the backend transport described by p and starts it.
// Unknown types fail with transport.ErrInvalidTransportType; a 401 from an
// HTTP backend fails with *transport.UpstreamAuthError.
func (f *Factory) Create(ctx context.Context, p transport.Params) (transport.Transport, error) {
	ctx, span := f.tracer.Start(ctx, "backend.connect",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("transport.type", string(p.Type))),
	)
	defer span.End()

	t, err := f.create(ctx, p)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "backend connect failed")
		return nil, err
	}
	if sid := t.SessionID(); sid != "" {
		span.SetAttributes(attribute.String("backend.session_id", sid))
	}
	return t, nil
}

func (f *Factory) create(ctx context.Context, p transport.Params) (transport.Transport, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	var t transport.Transport
	switch p.Type {
	case transport.TypeStdio:
		st, err := f.newStdio(p)
		if err != nil {
			return nil, err
		}
		t = st
	case transport.TypeSSE:
		t = NewSSETransport(p.URL, transport.PassthroughHeaders(p.Type, p.Headers), f.httpClient,
			f.logger.With("transport_type", string(p.Type)))
	case transport.TypeStreamableHTTP:
		t = NewStreamableTransport(p.URL, transport.PassthroughHeaders(p.Type, p.Headers), f.httpClient,
			f.logger.With("transport_type", string(p.Type)))
	default:
		return nil, fmt.Errorf("%w: %q", transport.ErrInvalidTransportType, p.Type)
	}

	startCtx := ctx
	if f.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		startCtx, cancel = context.WithTimeout(ctx, f.cfg.ConnectTimeout)
		defer cancel()
	}

	if err := t.Start(startCtx); err != nil {
		_ = t.Close()
		var authErr *transport.UpstreamAuthError
		if errors.As(err, &authErr) {
			return nil, err
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("start %s backend: connect timeout after %s: %w", p.Type, f.cfg.ConnectTimeout, err)
		}
		return nil, fmt.Errorf("start %s backend: %w", p.Type, err)
	}
	return t, nil
}

func (f *Factory) newStdio(p transport.Params) (*StdioTransport, error) {
	args, err := splitArgs(p.Args)
	if err != nil {
		return nil, err
	}

	layers := []map[string]string{processEnv(), f.DefaultEnv(), p.Env}
	env := mergeEnv(layers...)
	pathEnv := ""
	for _, layer := range layers {
		if v, ok := layer["PATH"]; ok {
			pathEnv = v
		}
	}

	path, args, err := resolveCommand(p.Command, args, pathEnv)
	if err != nil {
		return nil, err
	}

	terminate := f.cfg.TerminateTimeout
	if terminate <= 0 {
		terminate = 5 * time.Second
	}
	logger := f.logger.With("transport_type", string(p.Type), "command", p.Command)
	return NewStdioTransport(path, args, env, terminate, logger), nil
}
