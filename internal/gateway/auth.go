package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// ExtractAPIKey reads a bearer token, falling back to X-API-Key and, for
// websocket clients that cannot set headers, the api_key query parameter.
func ExtractAPIKey(r *http.Request) string {
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

func isPublicPath(path string) bool {
	return path == "/healthz" || path == "/metrics"
}

// authMiddleware rejects every non-public request unless it carries the
// configured token. An empty token locks the API.
func authMiddleware(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		key := ExtractAPIKey(r)
		if token == "" || key == "" {
			writeError(w, http.StatusUnauthorized, "missing API key")
			return
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(token)) != 1 {
			writeError(w, http.StatusForbidden, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestSizeLimit caps request bodies.
func requestSizeLimit(maxBytes int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		next.ServeHTTP(w, r)
	})
}
