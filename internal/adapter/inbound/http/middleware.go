package http

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/akfldk1028/mcp-gateway/internal/ctxkey"
)

// requestIDContextKey is the type for the request ID context key.
type requestIDContextKey struct{}

// RequestIDKey is the context key for the request ID.
var RequestIDKey = requestIDContextKey{}

// LoggerKey is the context key for the enriched logger.
// Uses shared key type from ctxkey package to allow cross-package access without import cycles.
var LoggerKey = ctxkey.LoggerKey{}

// RequestIDMiddleware extracts or generates a request ID and enriches the
// logger with request_id and remote_ip.
func RequestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.New().String()
			}

			enrichedLogger := logger.With("request_id", requestID, "remote_ip", extractRealIP(r))

			ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
			ctx = context.WithValue(ctx, LoggerKey, enrichedLogger)

			w.Header().Set("X-Request-ID", requestID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggerFromContext retrieves the enriched logger from context.
// Returns slog.Default() if no logger is in context.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// RequestIDFromContext returns the request id, or "" if none was assigned.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}

const (
	corsAllowMethods  = "GET, POST, DELETE, OPTIONS"
	corsAllowHeaders  = "Content-Type, Authorization, Mcp-Session-Id, Mcp-Protocol-Version, Last-Event-Id, X-Request-ID"
	corsExposeHeaders = "Mcp-Session-Id, X-Request-ID"
)

// defaultAllowedOrigins admits browser pages served from the local machine
// on any port.
var defaultAllowedOrigins = []string{"http://localhost", "http://127.0.0.1", "http://[::1]"}

// originPolicy matches Origin headers against an allow-list. "*" allows any
// origin. An entry without a port matches its scheme and host on any port.
type originPolicy struct {
	allowAll bool
	exact    map[string]struct{}
	anyPort  map[string]struct{}
}

func newOriginPolicy(allowedOrigins []string) *originPolicy {
	p := &originPolicy{
		exact:   make(map[string]struct{}, len(allowedOrigins)),
		anyPort: make(map[string]struct{}, len(allowedOrigins)),
	}
	for _, origin := range allowedOrigins {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin == "*" {
			p.allowAll = true
			continue
		}
		p.exact[origin] = struct{}{}
		if u, err := url.Parse(origin); err == nil && u.Host != "" && u.Port() == "" {
			p.anyPort[u.Scheme+"://"+u.Hostname()] = struct{}{}
		}
	}
	return p
}

func (p *originPolicy) allows(origin string) bool {
	if p.allowAll {
		return true
	}
	if _, ok := p.exact[origin]; ok {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	_, ok := p.anyPort[u.Scheme+"://"+u.Hostname()]
	return ok
}

// DNSRebindingProtection rejects requests whose Origin header is not in the
// allow-list with 403. Requests without an Origin header are same-origin or
// non-browser and pass. An empty allow-list blocks every request that
// carries an Origin.
func DNSRebindingProtection(allowedOrigins []string) func(http.Handler) http.Handler {
	policy := newOriginPolicy(allowedOrigins)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && !policy.allows(origin) {
				LoggerFromContext(r.Context()).Warn("rejected request from disallowed origin",
					"origin", origin, "path", r.URL.Path)
				writeJSONError(w, http.StatusForbidden, "Forbidden: origin not allowed")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CORSMiddleware answers preflight requests and sets CORS response headers
// for allowed origins. Requests from other origins pass through without
// CORS headers, so browsers block the response.
func CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	policy := newOriginPolicy(allowedOrigins)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			permitted := origin != "" && policy.allows(origin)

			if permitted {
				h := w.Header()
				if policy.allowAll {
					h.Set("Access-Control-Allow-Origin", "*")
				} else {
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
				h.Set("Access-Control-Expose-Headers", corsExposeHeaders)
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				if permitted {
					h := w.Header()
					h.Set("Access-Control-Allow-Methods", corsAllowMethods)
					h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
					h.Set("Access-Control-Max-Age", "86400")
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// extractRealIP extracts the client's real IP address from the request.
func extractRealIP(r *http.Request) string {
	// Trust only the first X-Forwarded-For entry.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ip, _, _ := strings.Cut(xff, ",")
		if ip = strings.TrimSpace(ip); ip != "" {
			return ip
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
