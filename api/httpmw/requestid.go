package httpmw

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type requestIDKey struct{}

const requestIDHeader = "X-Coder-Request-ID"

// AttachRequestID generates a unique ID for each request, stashes it on the
// context, and echoes it back in a response header.
func AttachRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rid := uuid.New()
		rw.Header().Set(requestIDHeader, rid.String())
		ctx := context.WithValue(r.Context(), requestIDKey{}, rid)
		next.ServeHTTP(rw, r.WithContext(ctx))
	})
}

// RequestID returns the ID attached to the request, or the zero UUID when
// the middleware did not run.
func RequestID(r *http.Request) uuid.UUID {
	rid, _ := r.Context().Value(requestIDKey{}).(uuid.UUID)
	return rid
}
