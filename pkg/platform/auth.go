package platform

import (
	"crypto/subtle"
	"net/http"
)

// BasicAuthMiddleware guards operator endpoints with credentials from
// AUTH_USER and AUTH_PASS. Unlike the API key check it fails closed: an
// unconfigured pair answers 503 instead of letting the request through.
func BasicAuthMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := GetEnv("AUTH_USER", "")
		pass := GetEnv("AUTH_PASS", "")

		if user == "" || pass == "" {
			http.Error(w, "Service Authentication Not Configured", http.StatusServiceUnavailable)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// APIKeyMiddleware enforces X-API-Key header.
func APIKeyMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := GetEnv("API_KEY", "")
		if key == "" {
			// If no key configured, skip auth (unsafe defaults logic should warn, but keeping compatible)
			next(w, r)
			return
		}

		if r.Header.Get("X-API-Key") != key {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}
