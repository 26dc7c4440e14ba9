// Package ctxkey holds context key types shared between packages that
// cannot import each other. It imports nothing from internal/.
package ctxkey

// LoggerKey stores the request-scoped *slog.Logger carrying request_id and
// remote_ip.
type LoggerKey struct{}
