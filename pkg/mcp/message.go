// Package mcp provides MCP message types and JSON-RPC codec utilities
// for the gateway relay.
package mcp

import (
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// Direction indicates the flow direction of a message through the gateway.
type Direction int

const (
	// ClientToBackend indicates a message flowing from the webapp client to the backend.
	ClientToBackend Direction = iota
	// BackendToClient indicates a message flowing from the backend to the webapp client.
	BackendToClient
)

// String returns the string representation of the Direction.
func (d Direction) String() string {
	switch d {
	case ClientToBackend:
		return "client->backend"
	case BackendToClient:
		return "backend->client"
	default:
		return "unknown"
	}
}

// Method names the gateway inspects.
const (
	MethodInitialize         = "initialize"
	MethodInitializedNotify  = "notifications/initialized"
	MethodStderrNotification = "notifications/stderr"
	jsonrpcVersion           = "2.0"
)

// Message wraps a decoded JSON-RPC message with relay metadata.
// Raw is what gets written to the counterpart transport, so relayed
// messages are forwarded unmodified.
type Message struct {
	// Raw contains the original bytes of the message.
	Raw []byte

	// Direction is set by the relay when the message crosses it.
	Direction Direction

	// Decoded contains the parsed JSON-RPC message.
	// The concrete type is either *jsonrpc.Request or *jsonrpc.Response.
	Decoded jsonrpc.Message

	// Timestamp records when the message was received by the gateway.
	Timestamp time.Time
}

// IsRequest returns true if the message is a JSON-RPC request or notification.
func (m *Message) IsRequest() bool {
	_, ok := m.Decoded.(*jsonrpc.Request)
	return ok
}

// IsCall returns true if the message is a request that expects a response.
func (m *Message) IsCall() bool {
	req := m.Request()
	return req != nil && req.IsCall()
}

// IsResponse returns true if the message is a JSON-RPC response.
func (m *Message) IsResponse() bool {
	_, ok := m.Decoded.(*jsonrpc.Response)
	return ok
}

// Method returns the method name if this is a request, empty string otherwise.
func (m *Message) Method() string {
	req := m.Request()
	if req == nil {
		return ""
	}
	return req.Method
}

// IsInitialize returns true if this is an initialize request.
func (m *Message) IsInitialize() bool {
	return m.IsCall() && m.Method() == MethodInitialize
}

// Request returns the underlying Request if this is a request message.
func (m *Message) Request() *jsonrpc.Request {
	if m.Decoded == nil {
		return nil
	}
	req, _ := m.Decoded.(*jsonrpc.Request)
	return req
}

// Response returns the underlying Response if this is a response message.
func (m *Message) Response() *jsonrpc.Response {
	if m.Decoded == nil {
		return nil
	}
	resp, _ := m.Decoded.(*jsonrpc.Response)
	return resp
}

// RawID extracts the "id" member from the raw bytes, preserving its original
// encoding (number, string). Returns nil for notifications.
func (m *Message) RawID() json.RawMessage {
	if m.Raw == nil {
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(m.Raw, &raw); err != nil {
		return nil
	}
	id := raw["id"]
	if len(id) == 0 || string(id) == "null" {
		return nil
	}
	return id
}

// IDKey returns a comparable key for the message id, or "" when the message
// has none. Used to correlate responses with the requests that caused them.
func (m *Message) IDKey() string {
	return string(m.RawID())
}

// Clone returns a copy with its own Raw buffer.
func (m *Message) Clone() *Message {
	c := *m
	c.Raw = append([]byte(nil), m.Raw...)
	return &c
}
