// Package session models a relayed client session: the pair of transports
// the gateway bridges and the registry that tracks them.
package session

import (
	"sync"
	"time"

	"github.com/akfldk1028/mcp-gateway/internal/domain/transport"
)

// Session pairs a client-facing transport with its backend transport.
type Session struct {
	// ID is the UUIDv4 issued by the client-facing transport.
	ID string
	// Client is the client-facing transport (SSE or Streamable HTTP server).
	Client transport.Transport
	// Backend is the backend transport the client is bridged to.
	Backend transport.Transport
	// Type is the backend transport type.
	Type transport.Type
	// CreatedAt is when the session was registered (UTC).
	CreatedAt time.Time

	mu         sync.Mutex
	lastAccess time.Time
}

// New creates a session with CreatedAt and LastAccess set to now.
func New(id string, client, backend transport.Transport, typ transport.Type) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:         id,
		Client:     client,
		Backend:    backend,
		Type:       typ,
		CreatedAt:  now,
		lastAccess: now,
	}
}

// Touch records activity on the session.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastAccess = time.Now().UTC()
	s.mu.Unlock()
}

// LastAccess returns the time of the most recent activity.
func (s *Session) LastAccess() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccess
}

// IdleFor reports whether the session has been idle longer than d.
func (s *Session) IdleFor(d time.Duration) bool {
	return time.Since(s.LastAccess()) > d
}
