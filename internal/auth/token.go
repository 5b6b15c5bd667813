// Package auth provides authentication middleware for the webhook endpoints.
// Callbacks are authenticated with a shared secret: the token handed to the
// provider when the channel was opened (or to the task queue when the
// renewal was scheduled) must come back on every delivery.
package auth

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
)

// TokenHeader carries the shared secret on webhook deliveries.
const TokenHeader = "X-Channel-Token" //nolint:gosec // header name, not a credential

// TokenMiddleware rejects requests whose token header does not match the
// expected secret. The comparison is constant time so the secret cannot be
// probed byte by byte.
func TokenMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(TokenHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
				slog.Warn("Rejected webhook delivery with invalid token",
					"path", r.URL.Path,
					"remote", r.RemoteAddr)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
