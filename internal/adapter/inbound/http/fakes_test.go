package http

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/akfldk1028/mcp-gateway/internal/adapter/outbound/memory"
	"github.com/akfldk1028/mcp-gateway/internal/domain/transport"
	"github.com/akfldk1028/mcp-gateway/internal/service"
	"github.com/akfldk1028/mcp-gateway/pkg/mcp"
)

// echoBackend answers every request with an empty result carrying the
// request's id, and records what it received.
type echoBackend struct {
	transport.Hooks

	mu       sync.Mutex
	received []*mcp.Message
	closes   atomic.Int32
}

func (b *echoBackend) Start(context.Context) error { return nil }

func (b *echoBackend) Send(_ context.Context, msg *mcp.Message) error {
	if b.IsClosed() {
		return errors.New("closed")
	}
	b.mu.Lock()
	b.received = append(b.received, msg)
	b.mu.Unlock()

	if !msg.IsCall() {
		return nil
	}
	resp, err := mcp.WrapMessage([]byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":{"method":%q}}`, msg.IDKey(), msg.Method())))
	if err != nil {
		return err
	}
	go b.Deliver(resp)
	return nil
}

func (b *echoBackend) Close() error {
	b.closes.Add(1)
	b.Closed(nil)
	return nil
}

func (b *echoBackend) SessionID() string { return "" }

func (b *echoBackend) methods() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.received))
	for _, m := range b.received {
		out = append(out, m.Method())
	}
	return out
}

// stubFactory returns echoBackends, or err when set.
type stubFactory struct {
	err error

	mu       sync.Mutex
	calls    int
	params   []transport.Params
	backends []*echoBackend
}

func (f *stubFactory) Create(_ context.Context, p transport.Params) (transport.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.params = append(f.params, p)
	if f.err != nil {
		return nil, f.err
	}
	b := &echoBackend{}
	f.backends = append(f.backends, b)
	return b, nil
}

func (f *stubFactory) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *stubFactory) lastParams() transport.Params {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.params[len(f.params)-1]
}

func (f *stubFactory) backend(i int) *echoBackend {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.backends[i]
}

// newTestGateway wires a gateway over factory with an in-memory registry.
func newTestGateway(t *testing.T, factory service.BackendFactory) (*service.GatewayService, *memory.SessionRegistry) {
	t.Helper()
	registry := memory.NewSessionRegistry()
	t.Cleanup(registry.Stop)
	gw := service.NewGatewayService(factory, registry, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.CloseAll(ctx)
	})
	return gw, registry
}

// sseEvent is one parsed server-sent event.
type sseEvent struct {
	event string
	data  string
}

// readEvent reads the next event from r, failing the test after a timeout.
func readEvent(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	type result struct {
		ev  sseEvent
		err error
	}
	ch := make(chan result, 1)
	go func() {
		var ev sseEvent
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				ch <- result{err: err}
				return
			}
			line = strings.TrimRight(line, "\r\n")
			switch {
			case line == "":
				if ev.event != "" || ev.data != "" {
					ch <- result{ev: ev}
					return
				}
			case strings.HasPrefix(line, "event:"):
				ev.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				ev.data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			}
		}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			t.Fatalf("read event: %v", res.err)
		}
		return res.ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return sseEvent{}
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
