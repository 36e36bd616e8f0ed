package recognition

import (
	"context"
	"errors"
	"net"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// isTransient reports whether an attempt failed in a way that a retry on a
// fresh connection might fix: timeouts, dropped connections, and server-side
// 5xx / rate-limit responses.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "http status 5") || strings.Contains(msg, "server_error") {
		return true
	}
	if strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection closed") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "tls handshake timeout") ||
		strings.Contains(msg, "network is unreachable") ||
		strings.Contains(msg, "socket") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "eof") {
		return true
	}

	return false
}

// isAuthError reports whether the backend rejected our credentials.
// Retrying these only burns quota.
func isAuthError(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "incorrect api key") ||
		strings.Contains(msg, "authentication") ||
		strings.Contains(msg, "permission denied")
}
