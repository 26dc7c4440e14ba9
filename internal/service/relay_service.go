// Package service contains the gateway's core services: the message relay
// that bridges a client transport to its backend, and the gateway that
// creates backends and tracks sessions.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/akfldk1028/mcp-gateway/internal/domain/transport"
	"github.com/akfldk1028/mcp-gateway/pkg/mcp"
)

// RelayMetrics receives relay counters.
type RelayMetrics interface {
	MessageRelayed(dir mcp.Direction)
	RelayFailed()
}

// ErrClientClosed and ErrBackendClosed are the relay termination causes
// for a clean close on either side.
var (
	ErrClientClosed  = errors.New("client transport closed")
	ErrBackendClosed = errors.New("backend transport closed")
	// ErrShuttingDown is the cause used when the gateway stops.
	ErrShuttingDown = errors.New("gateway shutting down")
)

// RelayConfig holds the relay's collaborators. Every field is optional.
type RelayConfig struct {
	Logger  *slog.Logger
	Metrics RelayMetrics
	// OnActivity is called for every relayed message.
	OnActivity func()
	// OnTeardown runs once after both transports are closed.
	OnTeardown func(cause error)
}

// Relay pumps messages between a client transport and a backend transport.
// Each direction preserves receipt order. When either side closes or a send
// fails, both transports are closed exactly once.
type Relay struct {
	sessionID string
	client    transport.Transport
	backend   transport.Transport
	cfg       RelayConfig
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	once  sync.Once
	done  chan struct{}
	cause error
}

// NewRelay creates a relay for the given session. Call Start to wire it.
func NewRelay(sessionID string, client, backend transport.Transport, cfg RelayConfig) *Relay {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		sessionID: sessionID,
		client:    client,
		backend:   backend,
		cfg:       cfg,
		logger:    logger.With("session_id", sessionID),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Start installs the message, stderr and close handlers on both transports.
// Messages the transports buffered before Start are flushed in order.
func (r *Relay) Start() {
	r.client.OnMessage(r.pipe(mcp.ClientToBackend, r.backend))
	r.backend.OnMessage(r.pipe(mcp.BackendToClient, r.client))

	if src, ok := r.backend.(transport.StderrSource); ok {
		src.OnStderr(r.forwardStderr)
	}

	r.client.OnClose(func(err error) {
		if err == nil {
			err = ErrClientClosed
		}
		r.Stop(err)
	})
	r.backend.OnClose(func(err error) {
		if err == nil {
			err = ErrBackendClosed
		}
		r.Stop(err)
	})
}

// pipe returns the handler that forwards messages to dst.
func (r *Relay) pipe(dir mcp.Direction, dst transport.Transport) transport.MessageHandler {
	return func(msg *mcp.Message) {
		defer func() {
			if p := recover(); p != nil {
				r.Stop(fmt.Errorf("panic relaying %s: %v", dir, p))
			}
		}()

		if r.ctx.Err() != nil {
			return
		}
		msg.Direction = dir
		if err := dst.Send(r.ctx, msg); err != nil {
			if r.cfg.Metrics != nil {
				r.cfg.Metrics.RelayFailed()
			}
			r.Stop(fmt.Errorf("%s: %w", dir, err))
			return
		}
		if r.cfg.Metrics != nil {
			r.cfg.Metrics.MessageRelayed(dir)
		}
		if r.cfg.OnActivity != nil {
			r.cfg.OnActivity()
		}
		r.logger.Debug("relayed message", "direction", dir.String(), "method", msg.Method())
	}
}

// forwardStderr wraps a stderr chunk as a notifications/stderr message and
// sends it to the client, bypassing the generic pipe.
func (r *Relay) forwardStderr(chunk []byte) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("panic forwarding backend stderr", "panic", p)
		}
	}()

	if r.ctx.Err() != nil {
		return
	}
	msg, err := mcp.NewStderrNotification(chunk)
	if err != nil {
		r.logger.Warn("failed to wrap backend stderr", "error", err)
		return
	}
	if err := r.client.Send(r.ctx, msg); err != nil {
		r.logger.Debug("failed to forward backend stderr", "error", err)
	}
}

// Stop tears the relay down with the given cause. Only the first call has
// an effect. Teardown runs on its own goroutine so it never blocks the
// transport goroutine that reported the close.
func (r *Relay) Stop(cause error) {
	r.once.Do(func() {
		r.cause = cause
		r.cancel()
		go r.teardown(cause)
	})
}

func (r *Relay) teardown(cause error) {
	defer close(r.done)

	errs := []error{r.client.Close(), r.backend.Close()}
	if err := errors.Join(errs...); err != nil {
		r.logger.Debug("error closing transports", "error", err)
	}

	switch {
	case errors.Is(cause, ErrClientClosed), errors.Is(cause, ErrBackendClosed), errors.Is(cause, ErrShuttingDown):
		r.logger.Info("relay closed", "cause", cause)
	default:
		r.logger.Warn("relay terminated", "cause", cause)
	}

	if r.cfg.OnTeardown != nil {
		r.cfg.OnTeardown(cause)
	}
}

// Done is closed once teardown has finished.
func (r *Relay) Done() <-chan struct{} {
	return r.done
}

// Cause returns the termination cause, or nil while the relay is running.
func (r *Relay) Cause() error {
	select {
	case <-r.done:
		return r.cause
	default:
		return nil
	}
}

// SessionID returns the id of the relayed session.
func (r *Relay) SessionID() string {
	return r.sessionID
}
