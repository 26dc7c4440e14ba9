package mcp

import (
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/akfldk1028/mcp-gateway/internal/domain/transport"
)

const (
	// maxResponseBodySize is the maximum JSON response body read from a
	// backend. Prevents OOM from a misbehaving backend.
	maxResponseBodySize = 10 * 1024 * 1024 // 10MB

	// maxErrorBodySize bounds how much of an error body is kept for logs.
	maxErrorBodySize = 512

	headerSessionID       = "Mcp-Session-Id"
	headerProtocolVersion = "Mcp-Protocol-Version"
	headerLastEventID     = "Last-Event-Id"
	headerWWWAuthenticate = "WWW-Authenticate"

	contentTypeJSON        = "application/json"
	contentTypeEventStream = "text/event-stream"
)

// newHTTPClient returns the client used for backend traffic. timeout bounds
// the wait for response headers only, so long-lived event streams are not
// cut off.
func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:          10,
			MaxIdleConnsPerHost:   5,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: timeout,
		},
	}
}

// applyHeaders copies the forwarded headers onto req.
func applyHeaders(req *http.Request, headers http.Header) {
	for name, values := range headers {
		req.Header.Del(name)
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
}

// checkResponse maps a non-2xx backend response to an error. A 401 becomes
// *transport.UpstreamAuthError. The body is drained and closed on error.
func checkResponse(resp *http.Response, target string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBodySize))
		return &transport.UpstreamAuthError{
			URL:       target,
			Challenge: resp.Header.Get(headerWWWAuthenticate),
		}
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	return &StatusError{URL: target, StatusCode: resp.StatusCode, Body: string(body)}
}

// StatusError is returned for unexpected backend HTTP status codes.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend %s returned http status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("backend %s returned http status %d: %s", e.URL, e.StatusCode, e.Body)
}
