package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/akfldk1028/mcp-gateway/internal/domain/session"
	"github.com/akfldk1028/mcp-gateway/internal/domain/transport"
	"github.com/akfldk1028/mcp-gateway/internal/service"
	"github.com/akfldk1028/mcp-gateway/pkg/mcp"
)

// defaultMessageEndpoint is where SSE clients POST their messages.
const defaultMessageEndpoint = "/message"

// BackendDefaults fill in backend parameters a request leaves out.
type BackendDefaults struct {
	TransportType transport.Type
	Command       string
	Args          string
}

// badRequestError marks errors caused by malformed request parameters.
type badRequestError struct {
	err error
}

func (e *badRequestError) Error() string { return e.err.Error() }
func (e *badRequestError) Unwrap() error { return e.err }

func badRequest(format string, args ...any) error {
	return &badRequestError{err: fmt.Errorf(format, args...)}
}

// Handler serves the gateway routes.
type Handler struct {
	gateway         *service.GatewayService
	defaults        BackendDefaults
	messageEndpoint string
	exposeErrors    bool
	newSessionID    func() string
	logger          *slog.Logger
}

func newHandler(gateway *service.GatewayService, defaults BackendDefaults, messageEndpoint string, exposeErrors bool, logger *slog.Logger) *Handler {
	if defaults.TransportType == "" {
		defaults.TransportType = transport.TypeStdio
	}
	if messageEndpoint == "" {
		messageEndpoint = defaultMessageEndpoint
	}
	return &Handler{
		gateway:         gateway,
		defaults:        defaults,
		messageEndpoint: messageEndpoint,
		exposeErrors:    exposeErrors,
		newSessionID:    uuid.NewString,
		logger:          logger,
	}
}

// register adds the session routes to mux.
func (h *Handler) register(mux *http.ServeMux) {
	mux.HandleFunc("/mcp", h.handleMCP)
	mux.HandleFunc("GET /stdio", h.handleStdio)
	mux.HandleFunc("GET /sse", h.handleSSE)
	mux.HandleFunc("POST "+h.messageEndpoint, h.handleMessage)
}

// handleMCP serves the Streamable HTTP endpoint. A POST without a session
// header starts a new session; everything else is delegated to the
// session's transport.
func (h *Handler) handleMCP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(MCPSessionIDHeader)
	if sessionID == "" {
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusBadRequest, "Mcp-Session-Id header is required")
			return
		}
		h.startStreamableSession(w, r)
		return
	}

	sess, err := h.gateway.Lookup(sessionID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	client, ok := sess.Client.(*StreamableServerTransport)
	if !ok {
		h.writeError(w, r, session.ErrSessionNotFound)
		return
	}
	client.HandleRequest(w, r)
}

func (h *Handler) startStreamableSession(w http.ResponseWriter, r *http.Request) {
	logger := LoggerFromContext(r.Context())

	p, err := h.backendParams(r, "")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	backend, err := h.gateway.ConnectBackend(r.Context(), p)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var client *StreamableServerTransport
	client = NewStreamableServerTransport(StreamableServerConfig{
		SessionIDGenerator: h.newSessionID,
		OnSessionInitialized: func(string) error {
			_, err := h.gateway.Attach(client, backend, p.Type)
			return err
		},
		Logger: logger,
	})

	client.HandleRequest(w, r)

	if !client.Initialized() {
		logger.Debug("request did not initialize a session, closing backend",
			"transport_type", p.Type.String())
		if err := errors.Join(client.Close(), backend.Close()); err != nil {
			logger.Debug("error closing transports", "error", err)
		}
	}
}

// handleStdio always uses a stdio backend.
func (h *Handler) handleStdio(w http.ResponseWriter, r *http.Request) {
	h.serveSSE(w, r, transport.TypeStdio)
}

// handleSSE is the legacy SSE route; the backend type comes from the
// transportType query parameter.
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	h.serveSSE(w, r, "")
}

// serveSSE connects a backend and holds the event stream open until the
// client disconnects or the backend goes away.
func (h *Handler) serveSSE(w http.ResponseWriter, r *http.Request, forced transport.Type) {
	logger := LoggerFromContext(r.Context())

	p, err := h.backendParams(r, forced)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	backend, err := h.gateway.ConnectBackend(r.Context(), p)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	client, err := NewSSEServerTransport(h.messageEndpoint, w, r, logger)
	if err != nil {
		_ = backend.Close()
		h.writeError(w, r, err)
		return
	}

	if _, err := h.gateway.Attach(client, backend, p.Type); err != nil {
		_ = errors.Join(client.Close(), backend.Close())
		h.writeError(w, r, err)
		return
	}

	if err := client.Start(r.Context()); err != nil {
		logger.Warn("failed to start event stream", "session_id", client.SessionID(), "error", err)
		_ = client.Close()
		return
	}

	<-client.Done()
}

// handleMessage delivers a POSTed message to an SSE session.
func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		h.writeError(w, r, badRequest("sessionId query parameter is required"))
		return
	}

	sess, err := h.gateway.Lookup(sessionID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	client, ok := sess.Client.(*SSEServerTransport)
	if !ok {
		h.writeError(w, r, session.ErrSessionNotFound)
		return
	}
	client.HandlePostMessage(w, r)
}

// backendParams reads the backend description from the query string,
// falling back to the configured defaults. forced overrides transportType.
func (h *Handler) backendParams(r *http.Request, forced transport.Type) (transport.Params, error) {
	q := r.URL.Query()

	typ := forced
	if typ == "" {
		raw := q.Get("transportType")
		if raw == "" {
			raw = h.defaults.TransportType.String()
		}
		var err error
		if typ, err = transport.ParseType(raw); err != nil {
			return transport.Params{}, err
		}
	}

	p := transport.Params{
		Type:    typ,
		Headers: r.Header.Clone(),
	}

	switch typ {
	case transport.TypeStdio:
		p.Command = q.Get("command")
		if p.Command == "" {
			p.Command = h.defaults.Command
		}
		p.Args = h.defaults.Args
		if q.Has("args") {
			p.Args = q.Get("args")
		}
		if raw := q.Get("env"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &p.Env); err != nil {
				return transport.Params{}, badRequest("invalid env: must be a JSON object of strings: %v", err)
			}
		}
	default:
		p.URL = q.Get("url")
	}

	if err := p.Validate(); err != nil {
		return transport.Params{}, &badRequestError{err: err}
	}
	return p, nil
}

// errorResponse is the body of non JSON-RPC error replies.
type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// writeError maps err onto an HTTP status. Upstream authorization failures
// are checked first so clients can run their auth flow.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	logger := LoggerFromContext(r.Context())

	var authErr *transport.UpstreamAuthError
	var badReq *badRequestError
	switch {
	case errors.As(err, &authErr):
		if authErr.Challenge != "" {
			w.Header().Set("WWW-Authenticate", authErr.Challenge)
		}
		logger.Info("backend requires authorization", "url", authErr.URL)
		writeJSONError(w, http.StatusUnauthorized, "backend requires authorization")
	case errors.As(err, &badReq), errors.Is(err, transport.ErrInvalidTransportType):
		logger.Debug("bad request", "error", err)
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrSessionNotFound):
		writeJSONError(w, http.StatusNotFound, "session not found")
	default:
		logger.Error("request failed", "path", r.URL.Path, "error", err)
		msg := "internal server error"
		if h.exposeErrors {
			msg = err.Error()
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Error:     msg,
			RequestID: RequestIDFromContext(r.Context()),
		})
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeJSONRPCError writes a JSON-RPC error body with a null id.
func writeJSONRPCError(w http.ResponseWriter, status, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(mcp.NewErrorResponse(nil, code, message))
}
