package mcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/akfldk1028/mcp-gateway/internal/domain/transport"
	"github.com/akfldk1028/mcp-gateway/pkg/mcp"
)

// SSETransport connects to a legacy SSE backend: a GET event stream that
// announces a POST endpoint in its first "endpoint" event, with responses
// arriving as "message" events on the stream.
type SSETransport struct {
	transport.Hooks

	url        string
	headers    http.Header
	httpClient *http.Client
	logger     *slog.Logger

	mu       sync.Mutex
	state    clientState
	endpoint string
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// clientState represents the lifecycle state of an HTTP based transport.
type clientState int

const (
	stateNew     clientState = iota // Initial state, not yet started
	stateStarted                    // Started and running
	stateClosed                     // Closed, terminal state
)

// NewSSETransport creates a transport for the SSE endpoint at rawURL.
// headers are sent on the stream request and on every POST.
func NewSSETransport(rawURL string, headers http.Header, httpClient *http.Client, logger *slog.Logger) *SSETransport {
	if httpClient == nil {
		httpClient = newHTTPClient(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SSETransport{
		url:        rawURL,
		headers:    headers.Clone(),
		httpClient: httpClient,
		logger:     logger,
	}
}

// Start opens the event stream and waits for the endpoint event. ctx bounds
// the wait; the stream itself lives until Close.
func (t *SSETransport) Start(ctx context.Context) error {
	t.mu.Lock()
	switch t.state {
	case stateStarted:
		t.mu.Unlock()
		return errors.New("transport already started")
	case stateClosed:
		t.mu.Unlock()
		return ErrTransportClosed
	}
	t.state = stateStarted
	t.ctx, t.cancel = context.WithCancel(context.Background())
	streamCtx := t.ctx
	t.mu.Unlock()

	base, err := url.Parse(t.url)
	if err != nil {
		_ = t.Close()
		return fmt.Errorf("parse url: %w", err)
	}

	// ctx bounds the connect phase only.
	stop := context.AfterFunc(ctx, t.cancel)
	defer stop()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.url, nil)
	if err != nil {
		_ = t.Close()
		return fmt.Errorf("create request: %w", err)
	}
	applyHeaders(req, t.headers)
	req.Header.Set("Accept", contentTypeEventStream)
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		_ = t.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("open event stream: %w", err)
	}
	if err := checkResponse(resp, t.url); err != nil {
		_ = t.Close()
		return err
	}

	endpointCh := make(chan string, 1)
	t.wg.Add(1)
	go t.readStream(resp.Body, base, endpointCh)

	select {
	case endpoint, ok := <-endpointCh:
		if !ok {
			_ = t.Close()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return errors.New("event stream ended before endpoint event")
		}
		if !stop() {
			_ = t.Close()
			return ctx.Err()
		}
		t.mu.Lock()
		t.endpoint = endpoint
		t.mu.Unlock()
		t.logger.Debug("sse backend connected", "url", t.url, "endpoint", endpoint)
		return nil
	case <-ctx.Done():
		_ = t.Close()
		return ctx.Err()
	}
}

// readStream consumes the event stream. The first endpoint event is
// published on endpointCh; message events are delivered in order.
func (t *SSETransport) readStream(body io.ReadCloser, base *url.URL, endpointCh chan<- string) {
	defer t.wg.Done()
	defer func() { _ = body.Close() }()

	announced := false
	defer func() {
		if !announced {
			close(endpointCh)
		}
	}()

	reader := newSSEReader(body, t.logger)
	for {
		ev, err := reader.Next()
		if err != nil {
			t.streamEnded(err)
			return
		}

		switch ev.Event {
		case "endpoint":
			if announced {
				continue
			}
			endpoint, err := resolveEndpoint(base, ev.Data)
			if err != nil {
				t.logger.Warn("invalid endpoint event from sse backend", "data", ev.Data, "error", err)
				t.streamEnded(err)
				return
			}
			endpointCh <- endpoint
			announced = true
		case "message":
			msg, err := mcp.WrapMessage([]byte(ev.Data))
			if err != nil {
				t.logger.Warn("skipping malformed message from sse backend", "error", err)
				continue
			}
			t.Deliver(msg)
		default:
			t.logger.Debug("ignoring sse event", "event", ev.Event)
		}
	}
}

func (t *SSETransport) streamEnded(err error) {
	t.mu.Lock()
	closing := t.state == stateClosed
	t.mu.Unlock()

	if closing || errors.Is(err, context.Canceled) {
		t.Closed(nil)
		return
	}
	if errors.Is(err, io.EOF) {
		t.Closed(errors.New("sse backend closed the event stream"))
		return
	}
	t.Closed(fmt.Errorf("read event stream: %w", err))
}

// resolveEndpoint resolves the announced endpoint against the stream URL and
// rejects endpoints on a different origin.
func resolveEndpoint(base *url.URL, data string) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(data))
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	resolved := base.ResolveReference(ref)
	if resolved.Scheme != base.Scheme || resolved.Host != base.Host {
		return "", fmt.Errorf("endpoint origin %s://%s does not match %s://%s",
			resolved.Scheme, resolved.Host, base.Scheme, base.Host)
	}
	return resolved.String(), nil
}

// Send POSTs msg to the announced endpoint.
func (t *SSETransport) Send(ctx context.Context, msg *mcp.Message) error {
	t.mu.Lock()
	state, endpoint, streamCtx := t.state, t.endpoint, t.ctx
	t.mu.Unlock()

	switch {
	case state == stateClosed:
		return ErrTransportClosed
	case state == stateNew || endpoint == "":
		return ErrNotStarted
	}

	reqCtx, cancel := mergeCancel(ctx, streamCtx)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(msg.Raw))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	applyHeaders(req, t.headers)
	req.Header.Set("Content-Type", contentTypeJSON)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post message: %w", err)
	}
	if err := checkResponse(resp, endpoint); err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBodySize))
	_ = resp.Body.Close()
	return nil
}

// Close cancels the event stream. Safe to call more than once.
func (t *SSETransport) Close() error {
	t.mu.Lock()
	if t.state == stateClosed {
		t.mu.Unlock()
		return nil
	}
	t.state = stateClosed
	cancel := t.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.wg.Wait()
	t.Closed(nil)
	return nil
}

// SessionID returns the sessionId query parameter of the announced
// endpoint, if any.
func (t *SSETransport) SessionID() string {
	t.mu.Lock()
	endpoint := t.endpoint
	t.mu.Unlock()
	if endpoint == "" {
		return ""
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return ""
	}
	return u.Query().Get("sessionId")
}

// mergeCancel returns a context that is cancelled when either parent is.
// Values come from a.
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

var _ transport.Transport = (*SSETransport)(nil)
