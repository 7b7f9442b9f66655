// Package middleware provides the HTTP middleware shared by the trust-plane
// routers: request correlation, per-client rate limiting, and request
// logging.
package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/paygrid/trustplane/internal/audit"
)

// RequestIDHeader carries the correlation id between services. The façade
// propagates it on forwarded calls; every error envelope echoes it back.
const RequestIDHeader = "X-Request-ID"

// RequestID stamps each request with a correlation id and an audit scope so
// every event emitted while handling it shares the id and a monotonic
// sequence. An inbound X-Request-ID is honored for cross-service traces.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(audit.WithScope(r.Context(), id)))
	})
}
