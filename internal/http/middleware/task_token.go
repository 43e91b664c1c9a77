package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// TaskToken guards the task trigger endpoints used by an external scheduler.
// The token comes as "Authorization: Bearer <token>" or X-Tasks-Token.
func TaskToken(token string) func(http.Handler) http.Handler {
	token = strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				http.Error(w, "task endpoint disabled", http.StatusServiceUnavailable)
				return
			}
			got := strings.TrimSpace(r.Header.Get("X-Tasks-Token"))
			if got == "" {
				got = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
