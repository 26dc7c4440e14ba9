// Package http is the client-facing side of the gateway.
//
// It serves browser and remote MCP clients over two protocols and pairs
// each client connection with a backend created per request.
//
// # Usage
//
//	reg := http.NewRegistry()
//	metrics := http.NewMetrics(reg)
//	gateway := service.NewGatewayService(factory, registry, logger, service.WithMetrics(metrics))
//	srv := http.NewServer(gateway,
//	    http.WithAddr(":3000"),
//	    http.WithMetrics(reg, metrics),
//	    http.WithLogger(logger),
//	)
//	err := srv.Start(ctx)
//
// # Endpoints
//
//	POST   /mcp                  - Streamable HTTP; no Mcp-Session-Id starts a session
//	GET    /mcp                  - standalone SSE stream of an existing session
//	DELETE /mcp                  - terminate a session
//	GET    /stdio                - SSE stream backed by a stdio subprocess
//	GET    /sse                  - SSE stream; backend chosen by transportType
//	POST   /message?sessionId=   - client messages for an SSE session
//	GET    /health               - liveness
//	GET    /config               - backend defaults
//	GET    /metrics              - Prometheus exposition
//
// # Backend Parameters
//
// Query parameters describe the backend: transportType (stdio, sse,
// streamable-http), command, args, env (JSON object) and url. Missing
// values fall back to the configured defaults. Authorization and, for
// streamable-http backends, Mcp-Session-Id and Last-Event-Id are forwarded.
//
// # Errors
//
// A backend that answers 401 yields 401 with its WWW-Authenticate challenge.
// Malformed parameters yield 400 and unknown sessions 404. Other failures
// yield 500 with a generic message and the request id.
package http
