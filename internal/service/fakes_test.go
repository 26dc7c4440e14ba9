package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/akfldk1028/mcp-gateway/internal/domain/transport"
	"github.com/akfldk1028/mcp-gateway/pkg/mcp"
)

// fakeTransport records sent messages and lets tests inject inbound
// messages, stderr and closes.
type fakeTransport struct {
	transport.Hooks

	id      string
	sendErr error

	mu     sync.Mutex
	sent   []*mcp.Message
	sentCh chan *mcp.Message
	closes atomic.Int32

	stderrMu sync.Mutex
	onStderr func([]byte)
}

func newFakeTransport(id string) *fakeTransport {
	return &fakeTransport{id: id, sentCh: make(chan *mcp.Message, 64)}
}

func (f *fakeTransport) Start(context.Context) error { return nil }

func (f *fakeTransport) Send(_ context.Context, msg *mcp.Message) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	if f.IsClosed() {
		return errors.New("closed")
	}
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	f.sentCh <- msg
	return nil
}

func (f *fakeTransport) Close() error {
	f.closes.Add(1)
	f.Closed(nil)
	return nil
}

func (f *fakeTransport) SessionID() string { return f.id }

func (f *fakeTransport) OnStderr(fn func([]byte)) {
	f.stderrMu.Lock()
	f.onStderr = fn
	f.stderrMu.Unlock()
}

func (f *fakeTransport) emitStderr(chunk string) {
	f.stderrMu.Lock()
	fn := f.onStderr
	f.stderrMu.Unlock()
	if fn != nil {
		fn([]byte(chunk))
	}
}

func (f *fakeTransport) sentMessages() []*mcp.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*mcp.Message(nil), f.sent...)
}

// fakeFactory hands out fakeTransports.
type fakeFactory struct {
	mu      sync.Mutex
	err     error
	created []*fakeTransport
}

func (f *fakeFactory) Create(_ context.Context, p transport.Params) (transport.Transport, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t := newFakeTransport("")
	f.created = append(f.created, t)
	return t, nil
}

// countingMetrics implements GatewayMetrics.
type countingMetrics struct {
	relayed  atomic.Int32
	failed   atomic.Int32
	connects atomic.Int32
	opened   atomic.Int32
	closed   atomic.Int32
}

func (m *countingMetrics) MessageRelayed(mcp.Direction) { m.relayed.Add(1) }
func (m *countingMetrics) RelayFailed() { m.failed.Add(1) }
func (m *countingMetrics) BackendConnected(transport.Type, error) { m.connects.Add(1) }
func (m *countingMetrics) SessionOpened(transport.Type) { m.opened.Add(1) }
func (m *countingMetrics) SessionClosed(transport.Type) { m.closed.Add(1) }

func mustWrap(raw string) *mcp.Message {
	msg, err := mcp.WrapMessage([]byte(raw))
	if err != nil {
		panic(err)
	}
	return msg
}
