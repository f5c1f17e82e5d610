package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/platinummonkey/warden/pkg/contextkeys"
)

// RequestIDHeader carries the request id on both request and response
const RequestIDHeader = "X-Request-ID"

// RequestID tags each request with a UUID, honoring one supplied by the
// client, and echoes it on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		w.Header().Set(RequestIDHeader, requestID)
		ctx := contextkeys.WithRequestID(r.Context(), requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
