package http

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/akfldk1028/mcp-gateway/pkg/mcp"
)

const initializeRequest = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"test","version":"1"}}}`

// newEchoStreamable returns an initialized-on-demand transport that answers
// every request it receives with an empty result.
func newEchoStreamable(t *testing.T) *StreamableServerTransport {
	t.Helper()
	var st *StreamableServerTransport
	st = NewStreamableServerTransport(StreamableServerConfig{
		SessionIDGenerator: func() string { return "session-1" },
	})
	st.OnMessage(func(m *mcp.Message) {
		if !m.IsCall() {
			return
		}
		resp, err := mcp.WrapMessage([]byte(`{"jsonrpc":"2.0","id":` + m.IDKey() + `,"result":{}}`))
		if err != nil {
			t.Errorf("wrap response: %v", err)
			return
		}
		go func() { _ = st.Send(context.Background(), resp) }()
	})
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func postMCP(h http.Handler, body, sessionID, accept string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if sessionID != "" {
		req.Header.Set(MCPSessionIDHeader, sessionID)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStreamableServer_InitializeAssignsSession(t *testing.T) {
	var initialized string
	st := NewStreamableServerTransport(StreamableServerConfig{
		SessionIDGenerator:   func() string { return "abc" },
		OnSessionInitialized: func(id string) error { initialized = id; return nil },
	})
	defer st.Close()
	st.OnMessage(func(m *mcp.Message) {
		resp, _ := mcp.WrapMessage([]byte(`{"jsonrpc":"2.0","id":1,"result":{"protocolVersion":"2025-06-18"}}`))
		go func() { _ = st.Send(context.Background(), resp) }()
	})

	rec := postMCP(http.HandlerFunc(st.HandleRequest), initializeRequest, "", "application/json")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get(MCPSessionIDHeader); got != "abc" {
		t.Errorf("Mcp-Session-Id = %q, want abc", got)
	}
	if initialized != "abc" {
		t.Errorf("OnSessionInitialized got %q, want abc", initialized)
	}
	if !st.Initialized() || st.SessionID() != "abc" {
		t.Errorf("Initialized() = %v, SessionID() = %q", st.Initialized(), st.SessionID())
	}

	var body struct {
		ID     int             `json:"id"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.ID != 1 {
		t.Errorf("response id = %d, want 1", body.ID)
	}
}

func TestStreamableServer_InitializeCallbackFailure(t *testing.T) {
	st := NewStreamableServerTransport(StreamableServerConfig{
		SessionIDGenerator:   func() string { return "abc" },
		OnSessionInitialized: func(string) error { return errors.New("boom") },
	})
	defer st.Close()

	rec := postMCP(http.HandlerFunc(st.HandleRequest), initializeRequest, "", "")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if st.Initialized() {
		t.Error("transport should stay uninitialized")
	}
}

func TestStreamableServer_SessionHeaderChecks(t *testing.T) {
	st := newEchoStreamable(t)
	h := http.HandlerFunc(st.HandleRequest)

	call := `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`

	if rec := postMCP(h, call, "", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("before initialize: status = %d, want 400", rec.Code)
	}

	if rec := postMCP(h, initializeRequest, "", "application/json"); rec.Code != http.StatusOK {
		t.Fatalf("initialize: status = %d", rec.Code)
	}

	if rec := postMCP(h, call, "", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("missing header: status = %d, want 400", rec.Code)
	}
	if rec := postMCP(h, call, "other", ""); rec.Code != http.StatusNotFound {
		t.Errorf("mismatched header: status = %d, want 404", rec.Code)
	}
	if rec := postMCP(h, initializeRequest, "session-1", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("second initialize: status = %d, want 400", rec.Code)
	}
}

func TestStreamableServer_NotificationsAccepted(t *testing.T) {
	st := newEchoStreamable(t)
	h := http.HandlerFunc(st.HandleRequest)
	postMCP(h, initializeRequest, "", "application/json")

	rec := postMCP(h, `{"jsonrpc":"2.0","method":"notifications/initialized"}`, "session-1", "")
	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", rec.Code)
	}
}

func TestStreamableServer_RejectsBadContent(t *testing.T) {
	st := newEchoStreamable(t)

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(initializeRequest))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	st.HandleRequest(rec, req)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Errorf("text/plain: status = %d, want 415", rec.Code)
	}

	rec = postMCP(http.HandlerFunc(st.HandleRequest), "{broken", "", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid JSON: status = %d, want 400", rec.Code)
	}
}

func TestStreamableServer_AcceptNegotiation(t *testing.T) {
	st := newEchoStreamable(t)
	h := http.HandlerFunc(st.HandleRequest)

	if rec := postMCP(h, initializeRequest, "", "application/json"); rec.Code != http.StatusOK {
		t.Fatalf("initialize status = %d, want 200", rec.Code)
	}

	call := `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`
	rec := postMCP(h, call, "session-1", "application/json")
	if rec.Code != http.StatusOK {
		t.Fatalf("JSON-only POST status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("JSON-only POST Content-Type = %q, want application/json", ct)
	}

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	req.Header.Set("Accept", "application/json")
	req.Header.Set(MCPSessionIDHeader, "session-1")
	get := httptest.NewRecorder()
	h.ServeHTTP(get, req)
	if get.Code != http.StatusNotAcceptable {
		t.Errorf("GET without text/event-stream status = %d, want 406", get.Code)
	}
}

func TestStreamableServer_SSEResponseEndsWhenAnswered(t *testing.T) {
	st := newEchoStreamable(t)
	srv := httptest.NewServer(http.HandlerFunc(st.HandleRequest))
	defer srv.Close()
	defer st.Close()

	postMCP(http.HandlerFunc(st.HandleRequest), initializeRequest, "", "application/json")

	batch := `[{"jsonrpc":"2.0","id":"a","method":"tools/list"},{"jsonrpc":"2.0","id":"b","method":"prompts/list"}]`
	req, _ := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(batch))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set(MCPSessionIDHeader, "session-1")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}

	r := bufio.NewReader(resp.Body)
	seen := map[string]bool{}
	for range 2 {
		ev := readEvent(t, r)
		msg, err := mcp.WrapMessage([]byte(ev.data))
		if err != nil {
			t.Fatalf("event data: %v", err)
		}
		seen[msg.IDKey()] = true
	}
	if !seen[`"a"`] || !seen[`"b"`] {
		t.Errorf("responses for %v, want a and b", seen)
	}

	done := make(chan struct{})
	go func() {
		_, _ = r.ReadString(0)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("response stream stayed open after all requests were answered")
	}
}

func TestStreamableServer_StandaloneStream(t *testing.T) {
	st := newEchoStreamable(t)
	srv := httptest.NewServer(http.HandlerFunc(st.HandleRequest))
	defer srv.Close()
	defer st.Close()

	postMCP(http.HandlerFunc(st.HandleRequest), initializeRequest, "", "application/json")

	openGet := func() *http.Response {
		req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set(MCPSessionIDHeader, "session-1")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("GET error = %v", err)
		}
		return resp
	}

	first := openGet()
	defer first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first GET status = %d, want 200", first.StatusCode)
	}

	second := openGet()
	second.Body.Close()
	if second.StatusCode != http.StatusConflict {
		t.Errorf("second GET status = %d, want 409", second.StatusCode)
	}

	note, _ := mcp.WrapMessage([]byte(`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`))
	if err := st.Send(context.Background(), note); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	ev := readEvent(t, bufio.NewReader(first.Body))
	if !strings.Contains(ev.data, "list_changed") {
		t.Errorf("standalone stream got %q", ev.data)
	}
}

func TestStreamableServer_UnroutableMessageDropped(t *testing.T) {
	st := newEchoStreamable(t)
	postMCP(http.HandlerFunc(st.HandleRequest), initializeRequest, "", "application/json")

	note, _ := mcp.WrapMessage([]byte(`{"jsonrpc":"2.0","method":"notifications/message"}`))
	if err := st.Send(context.Background(), note); err != nil {
		t.Errorf("Send() with no open stream error = %v, want nil", err)
	}
}

func TestStreamableServer_NotificationAfterFinalResponseKeepsSession(t *testing.T) {
	var st *StreamableServerTransport
	st = NewStreamableServerTransport(StreamableServerConfig{
		SessionIDGenerator: func() string { return "session-1" },
	})
	defer st.Close()

	// The handler runs on the request goroutine, so the notification is sent
	// after the response finished the stream but before the stream is removed.
	var sendErrs []error
	st.OnMessage(func(m *mcp.Message) {
		if !m.IsCall() {
			return
		}
		resp, _ := mcp.WrapMessage([]byte(`{"jsonrpc":"2.0","id":` + m.IDKey() + `,"result":{}}`))
		note, _ := mcp.WrapMessage([]byte(`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`))
		sendErrs = append(sendErrs,
			st.Send(context.Background(), resp),
			st.Send(context.Background(), note),
		)
	})
	h := http.HandlerFunc(st.HandleRequest)

	if rec := postMCP(h, initializeRequest, "", "application/json"); rec.Code != http.StatusOK {
		t.Fatalf("initialize status = %d, body %s", rec.Code, rec.Body.String())
	}
	call := `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`
	rec := postMCP(h, call, "session-1", "application/json, text/event-stream")
	if rec.Code != http.StatusOK {
		t.Fatalf("tools/list status = %d, body %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"id":2`) {
		t.Errorf("tools/list stream missing response: %s", rec.Body.String())
	}

	for i, err := range sendErrs {
		if err != nil {
			t.Errorf("Send #%d error = %v, want nil", i, err)
		}
	}
	select {
	case <-st.Done():
		t.Fatal("transport closed after a notification followed the final response")
	default:
	}
	if rec := postMCP(h, call, "session-1", "application/json"); rec.Code != http.StatusOK {
		t.Errorf("follow-up call status = %d, want 200", rec.Code)
	}
}

func TestStreamableServer_DeleteCloses(t *testing.T) {
	st := newEchoStreamable(t)
	postMCP(http.HandlerFunc(st.HandleRequest), initializeRequest, "", "application/json")

	closed := make(chan struct{})
	st.OnClose(func(error) { close(closed) })

	req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	req.Header.Set(MCPSessionIDHeader, "session-1")
	rec := httptest.NewRecorder()
	st.HandleRequest(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("close handler not called")
	}

	note, _ := mcp.WrapMessage([]byte(`{"jsonrpc":"2.0","method":"x"}`))
	if err := st.Send(context.Background(), note); err == nil {
		t.Error("Send() after DELETE should fail")
	}
}
