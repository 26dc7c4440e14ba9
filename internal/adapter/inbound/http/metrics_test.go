package http

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/akfldk1028/mcp-gateway/internal/domain/transport"
	"github.com/akfldk1028/mcp-gateway/pkg/mcp"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	if m.RequestsTotal == nil || m.RequestDuration == nil || m.ActiveSessions == nil {
		t.Fatal("request metrics not initialized")
	}
	if m.RelayedMessages == nil || m.RelayFailures == nil || m.BackendConnects == nil {
		t.Fatal("relay metrics not initialized")
	}
}

func TestMetricsGatewayHooks(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.MessageRelayed(mcp.ClientToBackend)
	m.MessageRelayed(mcp.ClientToBackend)
	m.MessageRelayed(mcp.BackendToClient)
	if got := testutil.ToFloat64(m.RelayedMessages.WithLabelValues("client->backend")); got != 2 {
		t.Errorf("client->backend = %v, want 2", got)
	}

	m.RelayFailed()
	if got := testutil.ToFloat64(m.RelayFailures); got != 1 {
		t.Errorf("relay failures = %v, want 1", got)
	}

	m.BackendConnected(transport.TypeSSE, nil)
	m.BackendConnected(transport.TypeSSE, errors.New("refused"))
	if got := testutil.ToFloat64(m.BackendConnects.WithLabelValues("sse", "error")); got != 1 {
		t.Errorf("sse errors = %v, want 1", got)
	}

	m.SessionOpened(transport.TypeStdio)
	m.SessionOpened(transport.TypeStdio)
	m.SessionClosed(transport.TypeStdio)
	if got := testutil.ToFloat64(m.ActiveSessions); got != 1 {
		t.Errorf("active sessions = %v, want 1", got)
	}

	if n, err := testutil.GatherAndCount(reg, "mcp_gateway_relayed_messages_total"); err != nil || n != 2 {
		t.Errorf("relayed_messages_total series = %d (err %v), want 2", n, err)
	}
}
