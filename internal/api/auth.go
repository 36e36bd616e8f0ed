package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// BearerAuth guards routes with a constant-time token check. The token may
// also arrive in the `token` query parameter, which is how browser WebSocket
// clients authenticate since they cannot set request headers.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.URL.Query().Get("token")
			const prefix = "Bearer "
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, prefix) {
				presented = auth[len(prefix):]
			}
			if presented == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
