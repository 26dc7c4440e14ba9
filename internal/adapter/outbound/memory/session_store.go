// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/akfldk1028/mcp-gateway/internal/domain/session"
)

// Default cleanup interval for idle session expiration.
const DefaultCleanupInterval = 1 * time.Minute

// ExpireFunc is called, outside the registry lock, for each session removed
// by the idle sweeper.
type ExpireFunc func(sess *session.Session)

// SessionRegistry implements session.Registry with an in-memory map.
// Thread-safe for concurrent access. A background sweeper removes sessions
// idle longer than the configured TTL and hands them to the expire func.
type SessionRegistry struct {
	sessions        map[string]*session.Session
	mu              sync.RWMutex
	stopChan        chan struct{}
	wg              sync.WaitGroup
	cleanupInterval time.Duration
	idleTTL         time.Duration
	onExpire        ExpireFunc
	logger          *slog.Logger
	once            sync.Once // Prevent double-close panic on Stop()
}

// RegistryOption is a functional option for configuring SessionRegistry.
type RegistryOption func(*SessionRegistry)

// WithIdleTTL sets how long a session may stay idle before the sweeper
// expires it. Zero disables expiry.
func WithIdleTTL(ttl time.Duration) RegistryOption {
	return func(r *SessionRegistry) {
		r.idleTTL = ttl
	}
}

// WithCleanupInterval sets the sweeper tick interval.
func WithCleanupInterval(d time.Duration) RegistryOption {
	return func(r *SessionRegistry) {
		if d > 0 {
			r.cleanupInterval = d
		}
	}
}

// WithExpireFunc sets the callback for expired sessions. The default
// closes both transports of the session.
func WithExpireFunc(fn ExpireFunc) RegistryOption {
	return func(r *SessionRegistry) {
		r.onExpire = fn
	}
}

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *SessionRegistry) {
		r.logger = logger
	}
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry(opts ...RegistryOption) *SessionRegistry {
	r := &SessionRegistry{
		sessions:        make(map[string]*session.Session),
		stopChan:        make(chan struct{}),
		cleanupInterval: DefaultCleanupInterval,
		onExpire:        closeSession,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// StartCleanup starts the background sweeper goroutine.
// Call Stop() to stop it gracefully.
func (r *SessionRegistry) StartCleanup(ctx context.Context) {
	if r.idleTTL <= 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopChan:
				return
			case <-ticker.C:
				r.cleanup()
			}
		}
	}()
}

// cleanup removes sessions idle longer than the TTL and expires them.
func (r *SessionRegistry) cleanup() {
	var expired []*session.Session

	r.mu.Lock()
	for id, sess := range r.sessions {
		if sess.IdleFor(r.idleTTL) {
			delete(r.sessions, id)
			expired = append(expired, sess)
		}
	}
	r.mu.Unlock()

	for _, sess := range expired {
		r.logger.Info("session idle timeout", "session_id", sess.ID, "transport_type", string(sess.Type))
		r.onExpire(sess)
	}
	if len(expired) > 0 {
		r.logger.Debug("expired idle sessions", "count", len(expired))
	}
}

// closeSession closes both transports of sess.
func closeSession(sess *session.Session) {
	var errs []error
	if sess.Client != nil {
		errs = append(errs, sess.Client.Close())
	}
	if sess.Backend != nil {
		errs = append(errs, sess.Backend.Close())
	}
	if err := errors.Join(errs...); err != nil {
		slog.Debug("error closing expired session", "session_id", sess.ID, "error", err)
	}
}

// Stop stops the sweeper goroutine and waits for it to exit.
// Safe to call multiple times.
func (r *SessionRegistry) Stop() {
	r.once.Do(func() {
		close(r.stopChan)
	})
	r.wg.Wait()
}

// Register inserts sess unless its id is already taken.
func (r *SessionRegistry) Register(sess *session.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[sess.ID]; exists {
		return session.ErrSessionExists
	}
	r.sessions[sess.ID] = sess
	return nil
}

// Get retrieves a session by ID and marks it active.
// Returns session.ErrSessionNotFound if the session doesn't exist.
func (r *SessionRegistry) Get(id string) (*session.Session, error) {
	r.mu.RLock()
	sess, ok := r.sessions[id]
	r.mu.RUnlock()

	if !ok {
		return nil, session.ErrSessionNotFound
	}
	sess.Touch()
	return sess, nil
}

// Delete removes a session.
func (r *SessionRegistry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, id)
}

// Size returns the number of sessions currently registered.
func (r *SessionRegistry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns a snapshot of the registered sessions.
func (r *SessionRegistry) List() []*session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*session.Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}

// Compile-time interface verification.
var _ session.Registry = (*SessionRegistry)(nil)
