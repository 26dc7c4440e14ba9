package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/akfldk1028/mcp-gateway/internal/adapter/outbound/memory"
	"github.com/akfldk1028/mcp-gateway/internal/domain/session"
	"github.com/akfldk1028/mcp-gateway/internal/domain/transport"
)

func newTestGateway(opts ...GatewayOption) (*GatewayService, *fakeFactory, *memory.SessionRegistry) {
	factory := &fakeFactory{}
	registry := memory.NewSessionRegistry()
	return NewGatewayService(factory, registry, nil, opts...), factory, registry
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGatewayAttachRegistersAndTearsDown(t *testing.T) {
	metrics := &countingMetrics{}
	gw, _, registry := newTestGateway(WithMetrics(metrics))

	backend, err := gw.ConnectBackend(context.Background(), transport.Params{Type: transport.TypeStdio, Command: "x"})
	if err != nil {
		t.Fatalf("ConnectBackend() error = %v", err)
	}
	client := newFakeTransport("sess-1")

	sess, err := gw.Attach(client, backend, transport.TypeStdio)
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if sess.ID != "sess-1" || registry.Size() != 1 {
		t.Fatalf("session %q registered, size %d", sess.ID, registry.Size())
	}
	if got, err := gw.Lookup("sess-1"); err != nil || got.Client != client {
		t.Fatalf("Lookup() = %v, %v", got, err)
	}

	// Backend exit tears the session down and closes the client.
	_ = backend.Close()
	waitFor(t, func() bool { return registry.Size() == 0 })
	waitFor(t, func() bool { return client.closes.Load() == 1 })

	if metrics.connects.Load() != 1 || metrics.opened.Load() != 1 {
		t.Errorf("connects=%d opened=%d", metrics.connects.Load(), metrics.opened.Load())
	}
	waitFor(t, func() bool { return metrics.closed.Load() == 1 })
}

func TestGatewayAttachDuplicateID(t *testing.T) {
	gw, _, _ := newTestGateway()

	if _, err := gw.Attach(newFakeTransport("dup"), newFakeTransport(""), transport.TypeSSE); err != nil {
		t.Fatalf("first Attach() error = %v", err)
	}
	_, err := gw.Attach(newFakeTransport("dup"), newFakeTransport(""), transport.TypeSSE)
	if !errors.Is(err, session.ErrSessionExists) {
		t.Errorf("second Attach() error = %v, want ErrSessionExists", err)
	}
	_ = gw.CloseAll(context.Background())
}

func TestGatewayAttachRequiresSessionID(t *testing.T) {
	gw, _, registry := newTestGateway()
	if _, err := gw.Attach(newFakeTransport(""), newFakeTransport(""), transport.TypeSSE); err == nil {
		t.Error("expected error for client without session id")
	}
	if registry.Size() != 0 {
		t.Error("registry mutated on failed Attach")
	}
}

func TestGatewayConnectBackendError(t *testing.T) {
	metrics := &countingMetrics{}
	gw, factory, _ := newTestGateway(WithMetrics(metrics))
	factory.err = &transport.UpstreamAuthError{URL: "http://x"}

	_, err := gw.ConnectBackend(context.Background(), transport.Params{Type: transport.TypeSSE, URL: "http://x"})
	var authErr *transport.UpstreamAuthError
	if !errors.As(err, &authErr) {
		t.Errorf("ConnectBackend() error = %v, want *UpstreamAuthError", err)
	}
	if metrics.connects.Load() != 1 {
		t.Errorf("connect not counted")
	}
}

func TestGatewaySingleBackendClosesPrevious(t *testing.T) {
	gw, factory, _ := newTestGateway(WithSessionMode(ModeSingleBackend))
	if gw.Mode() != ModeSingleBackend {
		t.Fatalf("Mode() = %q", gw.Mode())
	}

	p := transport.Params{Type: transport.TypeStdio, Command: "x"}
	first, err := gw.ConnectBackend(context.Background(), p)
	if err != nil {
		t.Fatalf("ConnectBackend() error = %v", err)
	}
	firstClient := newFakeTransport("a")
	if _, err := gw.Attach(firstClient, first, transport.TypeStdio); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}

	second, err := gw.ConnectBackend(context.Background(), p)
	if err != nil {
		t.Fatalf("ConnectBackend() error = %v", err)
	}

	if factory.created[0].closes.Load() == 0 {
		t.Error("previous active backend was not closed")
	}
	if gw.ActiveBackend() != second {
		t.Error("new backend is not the active reference")
	}
	// The old session goes with its backend.
	waitFor(t, func() bool { return firstClient.closes.Load() == 1 })
}

func TestGatewayPerSessionKeepsBackends(t *testing.T) {
	gw, factory, _ := newTestGateway()
	p := transport.Params{Type: transport.TypeStdio, Command: "x"}
	for i := 0; i < 2; i++ {
		if _, err := gw.ConnectBackend(context.Background(), p); err != nil {
			t.Fatalf("ConnectBackend() error = %v", err)
		}
	}
	if factory.created[0].closes.Load() != 0 {
		t.Error("per-session mode closed an existing backend")
	}
	if gw.ActiveBackend() != nil {
		t.Error("per-session mode should not track an active backend")
	}
}

func TestGatewayCloseSessionAndCloseAll(t *testing.T) {
	gw, _, registry := newTestGateway()

	a, b := newFakeTransport("a"), newFakeTransport("b")
	backendA, backendB := newFakeTransport(""), newFakeTransport("")
	if _, err := gw.Attach(a, backendA, transport.TypeStdio); err != nil {
		t.Fatal(err)
	}
	if _, err := gw.Attach(b, backendB, transport.TypeStdio); err != nil {
		t.Fatal(err)
	}

	if err := gw.CloseSession("a"); err != nil {
		t.Fatalf("CloseSession() error = %v", err)
	}
	if backendA.closes.Load() != 1 || registry.Size() != 1 {
		t.Errorf("after CloseSession: backend closes=%d size=%d", backendA.closes.Load(), registry.Size())
	}
	if err := gw.CloseSession("missing"); !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("CloseSession(missing) error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := gw.CloseAll(ctx); err != nil {
		t.Fatalf("CloseAll() error = %v", err)
	}
	if backendB.closes.Load() != 1 || gw.SessionCount() != 0 {
		t.Errorf("after CloseAll: backend closes=%d sessions=%d", backendB.closes.Load(), gw.SessionCount())
	}
}
