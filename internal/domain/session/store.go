package session

import "errors"

// Registry tracks live sessions by id. Implementations must be safe for
// concurrent use.
type Registry interface {
	// Register inserts s. Returns ErrSessionExists if the id is taken;
	// the check and insert are atomic.
	Register(s *Session) error

	// Get retrieves a session by ID and refreshes its last access time.
	// Returns ErrSessionNotFound if the session doesn't exist.
	Get(id string) (*Session, error)

	// Delete removes a session. Deleting an unknown id is a no-op.
	Delete(id string)

	// Size returns the number of registered sessions.
	Size() int

	// List returns a snapshot of all registered sessions.
	List() []*Session
}

var (
	// ErrSessionNotFound is returned when a session doesn't exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists is returned when registering a duplicate id.
	ErrSessionExists = errors.New("session already exists")
)
