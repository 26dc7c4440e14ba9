package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"sync"
	"time"

	"github.com/akfldk1028/mcp-gateway/internal/domain/transport"
	"github.com/akfldk1028/mcp-gateway/pkg/mcp"
)

// deleteTimeout bounds the session DELETE sent on Close.
const deleteTimeout = 5 * time.Second

// StreamableTransport connects to a Streamable HTTP backend. Every message
// is POSTed; responses arrive as a JSON body or as an SSE stream on the POST
// response. The server-issued Mcp-Session-Id is captured and replayed, and a
// standalone GET stream is opened once the session is initialized.
type StreamableTransport struct {
	transport.Hooks

	endpoint   string
	headers    http.Header
	httpClient *http.Client
	logger     *slog.Logger

	mu              sync.Mutex
	state           clientState
	sessionID       string
	protocolVersion string
	initializeID    string
	standaloneOpen  bool
	ctx             context.Context
	cancel          context.CancelFunc
	wg              sync.WaitGroup
}

// NewStreamableTransport creates a transport for the Streamable HTTP
// endpoint. headers are sent with every request.
func NewStreamableTransport(endpoint string, headers http.Header, httpClient *http.Client, logger *slog.Logger) *StreamableTransport {
	if httpClient == nil {
		httpClient = newHTTPClient(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamableTransport{
		endpoint:   endpoint,
		headers:    headers.Clone(),
		httpClient: httpClient,
		logger:     logger,
	}
}

// Start prepares the transport. Streamable HTTP has no connection phase;
// the session is established by the first initialize request.
func (t *StreamableTransport) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case stateStarted:
		return errors.New("transport already started")
	case stateClosed:
		return ErrTransportClosed
	}
	t.state = stateStarted
	t.ctx, t.cancel = context.WithCancel(context.Background())
	if sid := t.headers.Get(headerSessionID); sid != "" {
		t.sessionID = sid
	}
	return nil
}

// Send POSTs msg. JSON responses are delivered before Send returns; SSE
// responses are streamed in the background.
func (t *StreamableTransport) Send(ctx context.Context, msg *mcp.Message) error {
	t.mu.Lock()
	state, baseCtx := t.state, t.ctx
	if msg.IsInitialize() {
		t.initializeID = msg.IDKey()
	}
	t.mu.Unlock()

	switch state {
	case stateNew:
		return ErrNotStarted
	case stateClosed:
		return ErrTransportClosed
	}

	// The caller's ctx bounds the header phase only; a streamed body
	// belongs to the transport.
	reqCtx, cancelReq := context.WithCancel(baseCtx)
	stop := context.AfterFunc(ctx, cancelReq)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, t.endpoint, bytes.NewReader(msg.Raw))
	if err != nil {
		stop()
		cancelReq()
		return fmt.Errorf("create request: %w", err)
	}
	t.setHeaders(req)
	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", contentTypeJSON+", "+contentTypeEventStream)

	resp, err := t.httpClient.Do(req)
	if !stop() || err != nil {
		cancelReq()
		if resp != nil {
			_ = resp.Body.Close()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("post message: %w", err)
	}
	if err := checkResponse(resp, t.endpoint); err != nil {
		cancelReq()
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound && t.SessionID() != "" {
			return fmt.Errorf("backend session expired: %w", err)
		}
		return err
	}

	if sid := resp.Header.Get(headerSessionID); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch {
	case resp.StatusCode == http.StatusAccepted:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBodySize))
		_ = resp.Body.Close()
		cancelReq()
	case mediaType == contentTypeEventStream:
		t.mu.Lock()
		if t.state != stateStarted {
			t.mu.Unlock()
			_ = resp.Body.Close()
			cancelReq()
			return ErrTransportClosed
		}
		t.wg.Add(1)
		t.mu.Unlock()
		go func() {
			defer t.wg.Done()
			defer cancelReq()
			t.readEvents(resp.Body, "post")
		}()
	case mediaType == contentTypeJSON:
		err := t.readJSON(resp.Body)
		cancelReq()
		if err != nil {
			return err
		}
	default:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBodySize))
		_ = resp.Body.Close()
		cancelReq()
		if mediaType != "" {
			return fmt.Errorf("unexpected content type %q from backend", mediaType)
		}
	}

	if msg.Method() == mcp.MethodInitializedNotify {
		t.openStandaloneStream()
	}
	return nil
}

func (t *StreamableTransport) setHeaders(req *http.Request) {
	applyHeaders(req, t.headers)

	t.mu.Lock()
	sid, version := t.sessionID, t.protocolVersion
	t.mu.Unlock()

	if sid != "" {
		req.Header.Set(headerSessionID, sid)
	}
	if version != "" {
		req.Header.Set(headerProtocolVersion, version)
	}
}

func (t *StreamableTransport) readJSON(body io.ReadCloser) error {
	defer func() { _ = body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(body, maxResponseBodySize))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	msgs, err := mcp.WrapBatch(raw)
	if err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	for _, msg := range msgs {
		t.deliver(msg)
	}
	return nil
}

// readEvents delivers message events from an SSE body until it ends.
func (t *StreamableTransport) readEvents(body io.ReadCloser, stream string) {
	defer func() { _ = body.Close() }()

	reader := newSSEReader(body, t.logger)
	for {
		ev, err := reader.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				t.logger.Debug("backend event stream ended", "stream", stream, "error", err)
			}
			return
		}
		if ev.Event != "message" {
			continue
		}
		msg, err := mcp.WrapMessage([]byte(ev.Data))
		if err != nil {
			t.logger.Warn("skipping malformed message from backend", "stream", stream, "error", err)
			continue
		}
		t.deliver(msg)
	}
}

// deliver records the negotiated protocol version from the initialize
// result before handing msg on.
func (t *StreamableTransport) deliver(msg *mcp.Message) {
	if resp := msg.Response(); resp != nil && resp.Error == nil {
		t.mu.Lock()
		isInit := t.initializeID != "" && msg.IDKey() == t.initializeID
		t.mu.Unlock()
		if isInit {
			var result struct {
				ProtocolVersion string `json:"protocolVersion"`
			}
			if json.Unmarshal(resp.Result, &result) == nil && result.ProtocolVersion != "" {
				t.mu.Lock()
				t.protocolVersion = result.ProtocolVersion
				t.initializeID = ""
				t.mu.Unlock()
			}
		}
	}
	t.Deliver(msg)
}

// openStandaloneStream opens the GET stream for server-initiated messages
// once. Backends that do not offer one answer 405, which is not an error.
func (t *StreamableTransport) openStandaloneStream() {
	t.mu.Lock()
	if t.standaloneOpen || t.state != stateStarted {
		t.mu.Unlock()
		return
	}
	t.standaloneOpen = true
	baseCtx := t.ctx
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()

		req, err := http.NewRequestWithContext(baseCtx, http.MethodGet, t.endpoint, nil)
		if err != nil {
			t.logger.Warn("failed to create standalone stream request", "error", err)
			return
		}
		t.setHeaders(req)
		req.Header.Set("Accept", contentTypeEventStream)

		resp, err := t.httpClient.Do(req)
		if err != nil {
			if baseCtx.Err() == nil {
				t.logger.Warn("failed to open standalone stream", "error", err)
			}
			return
		}
		if resp.StatusCode == http.StatusMethodNotAllowed {
			_ = resp.Body.Close()
			t.logger.Debug("backend does not offer a standalone stream")
			return
		}
		if err := checkResponse(resp, t.endpoint); err != nil {
			t.logger.Warn("standalone stream rejected", "error", err)
			return
		}
		t.readEvents(resp.Body, "standalone")
	}()
}

// Close terminates the backend session with DELETE and stops all streams.
func (t *StreamableTransport) Close() error {
	t.mu.Lock()
	if t.state == stateClosed {
		t.mu.Unlock()
		return nil
	}
	started := t.state == stateStarted
	t.state = stateClosed
	sid, cancel := t.sessionID, t.cancel
	t.mu.Unlock()

	var errs []error
	if started && sid != "" {
		if err := t.deleteSession(sid); err != nil {
			errs = append(errs, err)
		}
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		errs = append(errs, errors.New("timeout waiting for stream readers"))
	}

	t.Closed(nil)
	return errors.Join(errs...)
}

func (t *StreamableTransport) deleteSession(sid string) error {
	ctx, cancel := context.WithTimeout(context.Background(), deleteTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.endpoint, nil)
	if err != nil {
		return fmt.Errorf("create delete request: %w", err)
	}
	t.setHeaders(req)
	req.Header.Set(headerSessionID, sid)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("delete backend session: %w", err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodySize))
	_ = resp.Body.Close()

	// 405: the backend does not allow clients to terminate sessions.
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusMethodNotAllowed && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("delete backend session: http status %d", resp.StatusCode)
	}
	return nil
}

// SessionID returns the backend-issued Mcp-Session-Id.
func (t *StreamableTransport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

var _ transport.Transport = (*StreamableTransport)(nil)
