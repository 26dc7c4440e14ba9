// Package transport contains the domain model for the connections the
// gateway relays between: transport kinds, the Transport capability and the
// header passthrough policy.
package transport

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Type identifies the wire protocol of a backend connection.
type Type string

const (
	// TypeStdio spawns a subprocess speaking newline-delimited JSON-RPC.
	TypeStdio Type = "stdio"
	// TypeSSE connects to a legacy SSE endpoint (event stream plus POST channel).
	TypeSSE Type = "sse"
	// TypeStreamableHTTP connects to a Streamable HTTP endpoint.
	TypeStreamableHTTP Type = "streamable-http"
)

// ErrInvalidTransportType is returned for a missing or unknown transport type.
var ErrInvalidTransportType = errors.New("invalid transport type")

// ParseType validates s as a transport type.
func ParseType(s string) (Type, error) {
	switch t := Type(strings.TrimSpace(s)); t {
	case TypeStdio, TypeSSE, TypeStreamableHTTP:
		return t, nil
	case "":
		return "", fmt.Errorf("%w: transport type is required", ErrInvalidTransportType)
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransportType, s)
	}
}

// String implements fmt.Stringer.
func (t Type) String() string { return string(t) }

// UpstreamAuthError reports that a backend rejected the forwarded credentials
// with HTTP 401. Challenge carries the backend's WWW-Authenticate header.
type UpstreamAuthError struct {
	URL       string
	Challenge string
}

func (e *UpstreamAuthError) Error() string {
	if e.Challenge == "" {
		return fmt.Sprintf("upstream %s requires authorization", e.URL)
	}
	return fmt.Sprintf("upstream %s requires authorization (%s)", e.URL, e.Challenge)
}

// passthroughAllowList holds the inbound header names forwarded per backend
// type. Types missing from the map forward nothing.
var passthroughAllowList = map[Type][]string{
	TypeSSE:            {"Authorization"},
	TypeStreamableHTTP: {"Authorization", "Mcp-Session-Id", "Last-Event-Id"},
}

// PassthroughHeaders returns the subset of in that may be forwarded to a
// backend of type t. The result is never nil.
func PassthroughHeaders(t Type, in http.Header) http.Header {
	out := make(http.Header)
	for _, name := range passthroughAllowList[t] {
		if values := in.Values(name); len(values) > 0 {
			out[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
		}
	}
	return out
}

// Params describes the backend connection to create.
type Params struct {
	Type Type

	// Command and Args are used by stdio backends. Args is a single
	// shell-quoted string.
	Command string
	Args    string
	// Env overrides layered on top of the inherited environment.
	Env map[string]string

	// URL and Headers are used by sse and streamable-http backends.
	// Headers are the raw inbound headers; the factory filters them.
	URL     string
	Headers http.Header
}

// Validate checks that the fields required by Type are present.
func (p Params) Validate() error {
	switch p.Type {
	case TypeStdio:
		if strings.TrimSpace(p.Command) == "" {
			return errors.New("command is required for stdio transport")
		}
	case TypeSSE, TypeStreamableHTTP:
		if strings.TrimSpace(p.URL) == "" {
			return fmt.Errorf("url is required for %s transport", p.Type)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidTransportType, p.Type)
	}
	return nil
}
