package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/elnormous/contenttype"

	"github.com/akfldk1028/mcp-gateway/internal/domain/transport"
	"github.com/akfldk1028/mcp-gateway/pkg/mcp"
)

// MCPSessionIDHeader carries the session id on Streamable HTTP requests.
const MCPSessionIDHeader = "Mcp-Session-Id"

// JSON-RPC error codes used for transport-level rejections.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeServerError    = -32000
)

var errAlreadyInitialized = errors.New("session already initialized")

// errStreamFinished reports a write to a response stream that has already ended.
var errStreamFinished = errors.New("response stream finished")

var (
	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")
)

// StreamableServerConfig configures a StreamableServerTransport.
type StreamableServerConfig struct {
	// SessionIDGenerator returns the id assigned on initialize.
	SessionIDGenerator func() string
	// OnSessionInitialized runs after the id is assigned and before the
	// initialize request is delivered. An error fails the request.
	OnSessionInitialized func(id string) error
	Logger               *slog.Logger
}

// StreamableServerTransport is the client-facing half of the Streamable HTTP
// protocol. One instance serves every request of a session.
type StreamableServerTransport struct {
	transport.Hooks

	cfg    StreamableServerConfig
	logger *slog.Logger

	mu          sync.Mutex
	sessionID   string
	initialized bool
	closed      bool
	done        chan struct{}
	standalone  *responseStream
	streams     []*responseStream
	pending     map[string]*responseStream
}

// NewStreamableServerTransport creates an uninitialized transport.
func NewStreamableServerTransport(cfg StreamableServerConfig) *StreamableServerTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamableServerTransport{
		cfg:     cfg,
		logger:  logger,
		done:    make(chan struct{}),
		pending: make(map[string]*responseStream),
	}
}

// Start is a no-op; the transport is driven by HandleRequest.
func (t *StreamableServerTransport) Start(_ context.Context) error {
	return nil
}

// Initialized reports whether an initialize request assigned a session id.
func (t *StreamableServerTransport) Initialized() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.initialized
}

// SessionID returns the assigned id, or "" before initialize.
func (t *StreamableServerTransport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// HandleRequest serves one HTTP request for the session.
func (t *StreamableServerTransport) HandleRequest(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		t.handlePost(w, r)
	case http.MethodGet:
		t.handleGet(w, r)
	case http.MethodDelete:
		t.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		writeJSONRPCError(w, http.StatusMethodNotAllowed, codeServerError, "Method not allowed")
	}
}

func (t *StreamableServerTransport) handlePost(w http.ResponseWriter, r *http.Request) {
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONRPCError(w, http.StatusUnsupportedMediaType, codeInvalidRequest, "Content-Type must be application/json")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageSize))
	if err != nil {
		writeJSONRPCError(w, http.StatusRequestEntityTooLarge, codeInvalidRequest, "Request body too large")
		return
	}
	msgs, err := mcp.WrapBatch(body)
	if err != nil {
		writeJSONRPCError(w, http.StatusBadRequest, codeParseError, "Parse error")
		return
	}

	hasInit := false
	for _, m := range msgs {
		if m.IsInitialize() {
			hasInit = true
			break
		}
	}

	if hasInit {
		if len(msgs) > 1 {
			writeJSONRPCError(w, http.StatusBadRequest, codeInvalidRequest, "initialize must not be batched")
			return
		}
		if err := t.initialize(); errors.Is(err, errAlreadyInitialized) {
			writeJSONRPCError(w, http.StatusBadRequest, codeInvalidRequest, "Invalid Request: Server already initialized")
			return
		} else if err != nil {
			t.logger.Warn("session initialization failed", "error", err)
			writeJSONRPCError(w, http.StatusInternalServerError, codeServerError, "Session initialization failed")
			return
		}
	} else if status, msg := t.checkSession(r); status != 0 {
		writeJSONRPCError(w, status, codeInvalidRequest, msg)
		return
	}

	w.Header().Set(MCPSessionIDHeader, t.SessionID())

	var ids []string
	for _, m := range msgs {
		if m.IsCall() {
			ids = append(ids, m.IDKey())
		}
	}
	if len(ids) == 0 {
		for _, m := range msgs {
			t.Deliver(m)
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	_, _, acceptErr := contenttype.GetAcceptableMediaType(r, []contenttype.MediaType{eventStreamMediaType})
	s, err := newResponseStream(w, acceptErr == nil)
	if err != nil {
		writeJSONRPCError(w, http.StatusInternalServerError, codeServerError, err.Error())
		return
	}
	if !t.addStream(s, ids) {
		writeJSONRPCError(w, http.StatusNotFound, codeServerError, "Session terminated")
		return
	}
	defer t.removeStream(s)

	if s.sse {
		s.writeHeader()
	}
	for _, m := range msgs {
		t.Deliver(m)
	}

	select {
	case <-s.done:
	case <-r.Context().Done():
	case <-t.done:
	}

	if !s.sse {
		s.flushJSON()
	}
}

// initialize assigns the session id and runs OnSessionInitialized. The lock
// is not held during the callback.
func (t *StreamableServerTransport) initialize() error {
	t.mu.Lock()
	if t.initialized {
		t.mu.Unlock()
		return errAlreadyInitialized
	}
	if t.closed {
		t.mu.Unlock()
		return errTransportClosed
	}
	gen := t.cfg.SessionIDGenerator
	if gen == nil {
		t.mu.Unlock()
		return errors.New("no session id generator")
	}
	t.sessionID = gen()
	t.initialized = true
	id := t.sessionID
	t.mu.Unlock()

	if t.cfg.OnSessionInitialized != nil {
		if err := t.cfg.OnSessionInitialized(id); err != nil {
			t.mu.Lock()
			t.sessionID = ""
			t.initialized = false
			t.mu.Unlock()
			return err
		}
	}
	return nil
}

// checkSession validates the session header of a non-initialize request.
// A zero status means the request may proceed.
func (t *StreamableServerTransport) checkSession(r *http.Request) (int, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.initialized {
		return http.StatusBadRequest, "Bad Request: Server not initialized"
	}
	got := r.Header.Get(MCPSessionIDHeader)
	if got == "" {
		return http.StatusBadRequest, "Bad Request: Mcp-Session-Id header is required"
	}
	if got != t.sessionID || t.closed {
		return http.StatusNotFound, "Session not found"
	}
	return 0, ""
}

func (t *StreamableServerTransport) handleGet(w http.ResponseWriter, r *http.Request) {
	if _, _, err := contenttype.GetAcceptableMediaType(r, []contenttype.MediaType{eventStreamMediaType}); err != nil {
		writeJSONRPCError(w, http.StatusNotAcceptable, codeInvalidRequest, "Not Acceptable: client must accept text/event-stream")
		return
	}
	if status, msg := t.checkSession(r); status != 0 {
		writeJSONRPCError(w, status, codeInvalidRequest, msg)
		return
	}

	s, err := newResponseStream(w, true)
	if err != nil {
		writeJSONRPCError(w, http.StatusInternalServerError, codeServerError, err.Error())
		return
	}
	w.Header().Set(MCPSessionIDHeader, t.SessionID())

	t.mu.Lock()
	if t.standalone != nil {
		t.mu.Unlock()
		writeJSONRPCError(w, http.StatusConflict, codeInvalidRequest, "Conflict: only one standalone stream is allowed per session")
		return
	}
	t.standalone = s
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		if t.standalone == s {
			t.standalone = nil
		}
		t.mu.Unlock()
		s.finish()
	}()

	s.writeHeader()

	select {
	case <-r.Context().Done():
	case <-t.done:
	}
}

func (t *StreamableServerTransport) handleDelete(w http.ResponseWriter, r *http.Request) {
	if status, msg := t.checkSession(r); status != 0 {
		writeJSONRPCError(w, status, codeInvalidRequest, msg)
		return
	}
	_ = t.Close()
	w.WriteHeader(http.StatusOK)
}

func (t *StreamableServerTransport) addStream(s *responseStream, ids []string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	for _, id := range ids {
		s.outstanding[id] = struct{}{}
		t.pending[id] = s
	}
	t.streams = append(t.streams, s)
	return true
}

func (t *StreamableServerTransport) removeStream(s *responseStream) {
	t.mu.Lock()
	for id, ps := range t.pending {
		if ps == s {
			delete(t.pending, id)
		}
	}
	for i, ps := range t.streams {
		if ps == s {
			t.streams = append(t.streams[:i], t.streams[i+1:]...)
			break
		}
	}
	t.mu.Unlock()
	s.finish()
}

// Send routes msg to the client. Responses go to the stream of the POST
// that carried the request. Anything else goes to the standalone stream,
// else the oldest open POST stream, else it is dropped.
func (t *StreamableServerTransport) Send(_ context.Context, msg *mcp.Message) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errTransportClosed
	}

	var target *responseStream
	if msg.IsResponse() {
		key := msg.IDKey()
		target = t.pending[key]
		delete(t.pending, key)
	} else {
		if t.standalone != nil && !t.standalone.isFinished() {
			target = t.standalone
		} else {
			for _, s := range t.streams {
				if s.sse && !s.isFinished() {
					target = s
					break
				}
			}
		}
	}
	t.mu.Unlock()

	if target == nil {
		t.logger.Debug("no open stream for message, dropping",
			"session_id", t.SessionID(), "method", msg.Method(), "id", msg.IDKey())
		return nil
	}
	err := target.send(msg)
	if errors.Is(err, errStreamFinished) {
		// The stream ended between selection and write; the session lives on.
		t.logger.Debug("stream finished before message could be written, dropping",
			"session_id", t.SessionID(), "method", msg.Method(), "id", msg.IDKey())
		return nil
	}
	return err
}

// Done is closed when the transport closes.
func (t *StreamableServerTransport) Done() <-chan struct{} {
	return t.done
}

// Close terminates the session and releases every open stream.
func (t *StreamableServerTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	streams := append([]*responseStream(nil), t.streams...)
	if t.standalone != nil {
		streams = append(streams, t.standalone)
	}
	t.pending = make(map[string]*responseStream)
	t.mu.Unlock()

	for _, s := range streams {
		s.finish()
	}
	t.Closed(nil)
	return nil
}

// responseStream is one open HTTP response the transport can write to,
// either as SSE events or as a buffered JSON body.
type responseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	sse     bool

	mu          sync.Mutex
	outstanding map[string]struct{}
	buffered    []json.RawMessage
	wroteHeader bool
	finished    bool
	done        chan struct{}
}

func newResponseStream(w http.ResponseWriter, sse bool) (*responseStream, error) {
	s := &responseStream{
		w:           w,
		sse:         sse,
		outstanding: make(map[string]struct{}),
		done:        make(chan struct{}),
	}
	if sse {
		f, ok := w.(http.Flusher)
		if !ok {
			return nil, errors.New("streaming unsupported by response writer")
		}
		s.flusher = f
	}
	return s, nil
}

func (s *responseStream) writeHeader() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeHeaderLocked()
}

func (s *responseStream) writeHeaderLocked() {
	if s.wroteHeader {
		return
	}
	s.wroteHeader = true
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	s.w.WriteHeader(http.StatusOK)
	s.flusher.Flush()
}

func (s *responseStream) send(msg *mcp.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return errStreamFinished
	}

	if s.sse {
		data, err := singleLine(msg.Raw)
		if err != nil {
			return err
		}
		s.writeHeaderLocked()
		if _, err := fmt.Fprintf(s.w, "event: message\ndata: %s\n\n", data); err != nil {
			return fmt.Errorf("write event: %w", err)
		}
		s.flusher.Flush()
	} else {
		s.buffered = append(s.buffered, json.RawMessage(msg.Raw))
	}

	if msg.IsResponse() {
		delete(s.outstanding, msg.IDKey())
		if len(s.outstanding) == 0 {
			s.finishLocked()
		}
	}
	return nil
}

// flushJSON writes the buffered responses as the JSON body. Called by the
// request goroutine after the stream is done.
func (s *responseStream) flushJSON() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishLocked()

	if len(s.buffered) == 0 {
		writeJSONRPCError(s.w, http.StatusGatewayTimeout, codeServerError, "No response from backend")
		return
	}
	var body []byte
	if len(s.buffered) == 1 {
		body = s.buffered[0]
	} else {
		body, _ = json.Marshal(s.buffered)
	}
	s.w.Header().Set("Content-Type", "application/json")
	s.w.WriteHeader(http.StatusOK)
	_, _ = s.w.Write(body)
}

func (s *responseStream) isFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

func (s *responseStream) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishLocked()
}

func (s *responseStream) finishLocked() {
	if !s.finished {
		s.finished = true
		close(s.done)
	}
}

var _ transport.Transport = (*StreamableServerTransport)(nil)
