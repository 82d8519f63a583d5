// Package server provides the HTTP API: request submission and status,
// approval decisions, and audit inspection.
package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/clearline-io/arbiter/internal/requestctx"
)

// AuthMiddleware validates X-Arbiter-Key or Authorization: Bearer <key> and
// stores the resolved caller identity in the request context. apiKeys maps
// key -> identity.
func AuthMiddleware(apiKeys map[string]string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-Arbiter-Key")
			if key == "" {
				if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
					key = strings.TrimPrefix(auth, "Bearer ")
				}
			}
			if key == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid or missing API key")
				return
			}
			var identity string
			for k, id := range apiKeys {
				if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
					identity = id
					break
				}
			}
			if identity == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid or missing API key")
				return
			}
			r = r.WithContext(requestctx.SetIdentity(r.Context(), identity))
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitMiddleware applies the per-identity limiter and answers 429 with
// Retry-After when the caller is over budget.
func RateLimitMiddleware(limiters *Limiters) func(http.Handler) http.Handler {
	if limiters == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := requestctx.Identity(r.Context())
			if identity == "" || limiters.Allow(identity) {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "Request rate limit exceeded")
		})
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":   code,
		"message": message,
	})
}
