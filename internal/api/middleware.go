/**
 * @description
 * This file contains custom middleware for the HTTP router. The sync trigger
 * and institution lifecycle endpoints are internal surfaces, protected by a
 * shared internal API key the way sibling services authenticate each other.
 *
 * @dependencies
 * - crypto/subtle, net/http, strings: Standard Go libraries.
 */
package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// InternalAPIKeyMiddleware rejects requests that do not carry the shared
// internal key in the X-Internal-API-Key header.
func InternalAPIKeyMiddleware(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := strings.TrimSpace(r.Header.Get("X-Internal-API-Key"))
			if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
