package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/akfldk1028/mcp-gateway/internal/domain/session"
	"github.com/akfldk1028/mcp-gateway/internal/domain/transport"
)

// SessionMode selects how backends relate to sessions.
type SessionMode string

const (
	// ModePerSession gives every session its own backend.
	ModePerSession SessionMode = "per-session"
	// ModeSingleBackend keeps one active backend process-wide; each new
	// connection closes the previous one first.
	ModeSingleBackend SessionMode = "single-backend"
)

// BackendFactory creates started backend transports.
type BackendFactory interface {
	Create(ctx context.Context, p transport.Params) (transport.Transport, error)
}

// GatewayMetrics receives gateway counters.
type GatewayMetrics interface {
	RelayMetrics
	BackendConnected(typ transport.Type, err error)
	SessionOpened(typ transport.Type)
	SessionClosed(typ transport.Type)
}

// GatewayService creates backend connections, pairs them with client
// transports and tracks the resulting sessions.
type GatewayService struct {
	factory  BackendFactory
	registry session.Registry
	mode     SessionMode
	metrics  GatewayMetrics
	logger   *slog.Logger

	mu     sync.Mutex
	active transport.Transport
	relays map[string]*Relay
}

// GatewayOption is a functional option for configuring GatewayService.
type GatewayOption func(*GatewayService)

// WithSessionMode sets the session mode. The default is ModePerSession.
func WithSessionMode(mode SessionMode) GatewayOption {
	return func(g *GatewayService) {
		if mode != "" {
			g.mode = mode
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m GatewayMetrics) GatewayOption {
	return func(g *GatewayService) {
		g.metrics = m
	}
}

// NewGatewayService creates a new gateway service with the given dependencies.
func NewGatewayService(factory BackendFactory, registry session.Registry, logger *slog.Logger, opts ...GatewayOption) *GatewayService {
	if logger == nil {
		logger = slog.Default()
	}
	g := &GatewayService{
		factory:  factory,
		registry: registry,
		mode:     ModePerSession,
		logger:   logger,
		relays:   make(map[string]*Relay),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Mode returns the configured session mode.
func (g *GatewayService) Mode() SessionMode {
	return g.mode
}

// ConnectBackend creates and starts a backend for p. In single-backend mode
// the previously active backend is closed first and the new one becomes
// the active reference.
func (g *GatewayService) ConnectBackend(ctx context.Context, p transport.Params) (transport.Transport, error) {
	if g.mode == ModeSingleBackend {
		g.mu.Lock()
		prev := g.active
		g.active = nil
		g.mu.Unlock()
		if prev != nil {
			g.logger.Info("closing previous active backend")
			if err := prev.Close(); err != nil {
				g.logger.Debug("error closing previous backend", "error", err)
			}
		}
	}

	backend, err := g.factory.Create(ctx, p)
	if g.metrics != nil {
		g.metrics.BackendConnected(p.Type, err)
	}
	if err != nil {
		return nil, err
	}

	if g.mode == ModeSingleBackend {
		g.mu.Lock()
		g.active = backend
		g.mu.Unlock()
	}
	return backend, nil
}

// ActiveBackend returns the active backend in single-backend mode.
func (g *GatewayService) ActiveBackend() transport.Transport {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// Attach registers a session for client and backend and starts relaying
// between them. The session id is the client transport's id. On error the
// caller still owns both transports.
func (g *GatewayService) Attach(client, backend transport.Transport, typ transport.Type) (*session.Session, error) {
	id := client.SessionID()
	if id == "" {
		return nil, errors.New("client transport has no session id")
	}

	sess := session.New(id, client, backend, typ)
	if err := g.registry.Register(sess); err != nil {
		return nil, fmt.Errorf("register session %s: %w", id, err)
	}

	logger := g.logger.With("transport_type", string(typ))
	relay := NewRelay(id, client, backend, RelayConfig{
		Logger:     logger,
		Metrics:    g.metrics,
		OnActivity: sess.Touch,
		OnTeardown: func(cause error) {
			g.detach(sess)
		},
	})

	g.mu.Lock()
	g.relays[id] = relay
	g.mu.Unlock()

	relay.Start()
	if g.metrics != nil {
		g.metrics.SessionOpened(typ)
	}
	logger.Info("session opened", "session_id", id)
	return sess, nil
}

// detach removes a torn-down session.
func (g *GatewayService) detach(sess *session.Session) {
	g.registry.Delete(sess.ID)

	g.mu.Lock()
	delete(g.relays, sess.ID)
	if g.active == sess.Backend {
		g.active = nil
	}
	g.mu.Unlock()

	if g.metrics != nil {
		g.metrics.SessionClosed(sess.Type)
	}
}

// Lookup returns the session registered under id.
func (g *GatewayService) Lookup(id string) (*session.Session, error) {
	return g.registry.Get(id)
}

// SessionCount returns the number of registered sessions.
func (g *GatewayService) SessionCount() int {
	return g.registry.Size()
}

// CloseSession tears down the session registered under id.
func (g *GatewayService) CloseSession(id string) error {
	g.mu.Lock()
	relay := g.relays[id]
	g.mu.Unlock()
	if relay == nil {
		return session.ErrSessionNotFound
	}
	relay.Stop(ErrClientClosed)
	<-relay.Done()
	return nil
}

// CloseAll tears down every session and the active backend, waiting until
// teardown finishes or ctx expires.
func (g *GatewayService) CloseAll(ctx context.Context) error {
	g.mu.Lock()
	relays := make([]*Relay, 0, len(g.relays))
	for _, r := range g.relays {
		relays = append(relays, r)
	}
	active := g.active
	g.active = nil
	g.mu.Unlock()

	eg, ctx := errgroup.WithContext(ctx)
	for _, r := range relays {
		eg.Go(func() error {
			r.Stop(ErrShuttingDown)
			select {
			case <-r.Done():
				return nil
			case <-ctx.Done():
				return fmt.Errorf("session %s: %w", r.SessionID(), ctx.Err())
			}
		})
	}
	if active != nil {
		eg.Go(active.Close)
	}

	err := eg.Wait()
	g.logger.Info("closed all sessions", "count", len(relays))
	return err
}
