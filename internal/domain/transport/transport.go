package transport

import (
	"context"
	"sync"

	"github.com/akfldk1028/mcp-gateway/pkg/mcp"
)

// MessageHandler receives messages read from a transport, in receipt order.
type MessageHandler func(msg *mcp.Message)

// CloseHandler is invoked once when a transport closes. err is nil for a
// clean close.
type CloseHandler func(err error)

// Transport is a bidirectional JSON-RPC connection. Backend connections
// (stdio, SSE client, Streamable HTTP client) and client-facing connections
// (SSE server, Streamable HTTP server) share this capability.
type Transport interface {
	// Start establishes the connection. It must be called once before Send.
	Start(ctx context.Context) error
	// Send writes msg.Raw to the peer.
	Send(ctx context.Context, msg *mcp.Message) error
	// OnMessage installs the inbound message handler.
	OnMessage(fn MessageHandler)
	// OnClose installs the close handler.
	OnClose(fn CloseHandler)
	// Close releases the connection. Safe to call more than once.
	Close() error
	// SessionID returns the session id known to this transport, if any.
	SessionID() string
}

// StderrSource is implemented by transports that expose a side channel of
// diagnostic output, such as a subprocess's stderr.
type StderrSource interface {
	OnStderr(fn func(chunk []byte))
}

// Hooks implements the handler half of Transport. Messages delivered before
// OnMessage is installed are buffered and flushed in order on install, and a
// close that happened before OnClose is reported as soon as it is installed.
type Hooks struct {
	// deliverMu serializes deliveries so buffered and live messages keep
	// their order.
	deliverMu sync.Mutex

	mu        sync.Mutex
	onMessage MessageHandler
	pending   []*mcp.Message
	onClose   CloseHandler
	closed    bool
	closeErr  error
}

// OnMessage installs fn and flushes buffered messages to it.
func (h *Hooks) OnMessage(fn MessageHandler) {
	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()

	h.mu.Lock()
	h.onMessage = fn
	pending := h.pending
	h.pending = nil
	h.mu.Unlock()

	if fn == nil {
		return
	}
	for _, msg := range pending {
		fn(msg)
	}
}

// OnClose installs fn. If the transport already closed, fn runs immediately.
func (h *Hooks) OnClose(fn CloseHandler) {
	h.mu.Lock()
	h.onClose = fn
	closed, err := h.closed, h.closeErr
	h.mu.Unlock()

	if closed && fn != nil {
		fn(err)
	}
}

// Deliver hands msg to the message handler, or buffers it when none is
// installed yet. Messages arriving after close are dropped.
func (h *Hooks) Deliver(msg *mcp.Message) {
	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	fn := h.onMessage
	if fn == nil {
		h.pending = append(h.pending, msg)
	}
	h.mu.Unlock()

	if fn != nil {
		fn(msg)
	}
}

// Closed marks the transport closed and fires the close handler once.
// It reports whether this call performed the transition.
func (h *Hooks) Closed(err error) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.closed = true
	h.closeErr = err
	h.pending = nil
	fn := h.onClose
	h.mu.Unlock()

	if fn != nil {
		fn(err)
	}
	return true
}

// IsClosed reports whether Closed has been called.
func (h *Hooks) IsClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}
