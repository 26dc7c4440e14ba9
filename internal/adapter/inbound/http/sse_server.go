package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"

	"github.com/akfldk1028/mcp-gateway/internal/domain/transport"
	"github.com/akfldk1028/mcp-gateway/pkg/mcp"
)

// maxMessageSize bounds a single POSTed client message.
const maxMessageSize = 4 << 20

// errTransportClosed is returned by client-facing transports after Close.
var errTransportClosed = errors.New("transport closed")

// SSEServerTransport is the client-facing half of the legacy SSE protocol.
// The GET request that created it carries the event stream; the client
// POSTs messages to the announced endpoint, which routes them to
// HandlePostMessage.
type SSEServerTransport struct {
	transport.Hooks

	id       string
	endpoint string
	w        http.ResponseWriter
	flusher  http.Flusher
	reqCtx   context.Context
	logger   *slog.Logger

	writeMu   sync.Mutex
	started   bool
	queued    [][]byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewSSEServerTransport creates a transport bound to the event stream
// request. The session id is generated here. endpoint is the path clients
// POST to; the session id is appended as the sessionId query parameter.
func NewSSEServerTransport(endpoint string, w http.ResponseWriter, r *http.Request, logger *slog.Logger) (*SSEServerTransport, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming unsupported by response writer")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SSEServerTransport{
		id:       uuid.NewString(),
		endpoint: endpoint,
		w:        w,
		flusher:  flusher,
		reqCtx:   r.Context(),
		logger:   logger,
		done:     make(chan struct{}),
	}, nil
}

// Start writes the stream headers and the endpoint event. The transport
// closes when the stream request's context ends.
func (t *SSEServerTransport) Start(_ context.Context) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.started {
		return errors.New("transport already started")
	}
	if t.isDone() {
		return errTransportClosed
	}
	t.started = true

	h := t.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	t.w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprintf(t.w, "event: endpoint\ndata: %s\n\n", t.endpointURL()); err != nil {
		return fmt.Errorf("write endpoint event: %w", err)
	}
	for _, data := range t.queued {
		if _, err := fmt.Fprintf(t.w, "event: message\ndata: %s\n\n", data); err != nil {
			return fmt.Errorf("write message event: %w", err)
		}
	}
	t.queued = nil
	t.flusher.Flush()

	go func() {
		select {
		case <-t.reqCtx.Done():
			_ = t.Close()
		case <-t.done:
		}
	}()
	return nil
}

func (t *SSEServerTransport) endpointURL() string {
	u := url.URL{Path: t.endpoint}
	u.RawQuery = url.Values{"sessionId": {t.id}}.Encode()
	return u.String()
}

// Send writes msg as a message event. Messages sent before Start are held
// and written after the endpoint event.
func (t *SSEServerTransport) Send(_ context.Context, msg *mcp.Message) error {
	data, err := singleLine(msg.Raw)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.isDone() {
		return errTransportClosed
	}
	if !t.started {
		t.queued = append(t.queued, data)
		return nil
	}
	if _, err := fmt.Fprintf(t.w, "event: message\ndata: %s\n\n", data); err != nil {
		return fmt.Errorf("write message event: %w", err)
	}
	t.flusher.Flush()
	return nil
}

// HandlePostMessage accepts one JSON-RPC message from the client and hands
// it to the message handler. Answers 202 Accepted.
func (t *SSEServerTransport) HandlePostMessage(w http.ResponseWriter, r *http.Request) {
	if t.isDone() {
		writeJSONError(w, http.StatusNotFound, "session closed")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageSize))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "message too large")
			return
		}
		writeJSONError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	msg, err := mcp.WrapMessage(body)
	if err != nil {
		LoggerFromContext(r.Context()).Debug("invalid message from client", "session_id", t.id, "error", err)
		writeJSONError(w, http.StatusBadRequest, "invalid JSON-RPC message")
		return
	}

	t.Deliver(msg)

	w.WriteHeader(http.StatusAccepted)
	_, _ = io.WriteString(w, "Accepted")
}

// Done is closed when the transport closes. The GET handler that owns the
// response writer blocks on it.
func (t *SSEServerTransport) Done() <-chan struct{} {
	return t.done
}

func (t *SSEServerTransport) isDone() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Close ends the event stream. Safe to call more than once.
func (t *SSEServerTransport) Close() error {
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		close(t.done)
		t.writeMu.Unlock()
		t.Closed(nil)
	})
	return nil
}

// SessionID returns the id generated at construction.
func (t *SSEServerTransport) SessionID() string { return t.id }

// singleLine returns raw without line breaks, compacting pretty-printed JSON
// so it fits in one SSE data field.
func singleLine(raw []byte) ([]byte, error) {
	if !bytes.ContainsAny(raw, "\r\n") {
		return raw, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, fmt.Errorf("compact message: %w", err)
	}
	return buf.Bytes(), nil
}

var _ transport.Transport = (*SSEServerTransport)(nil)
