package server

import (
	"net/http"

	"github.com/google/uuid"
)

// Chain applies middlewares in order. The first middleware is the outermost
// (runs first).
func Chain(handler http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return handler
}

// SecurityHeaders adds standard security headers to every response.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// requestIDHeaderKey is the HTTP header for request tracing.
const requestIDHeaderKey = "X-Request-ID"

// RequestID generates a unique request ID and sets it on the response
// header. An incoming X-Request-ID is preserved.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeaderKey)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeaderKey, id)
		next.ServeHTTP(w, r)
	})
}
