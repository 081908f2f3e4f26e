package middleware

import (
	"net/http"

	"github.com/backlogman/notifier/internal/logging"
)

// originPolicy is the set of browser origins allowed to reach the relay. An
// empty policy allows every origin.
type originPolicy map[string]struct{}

func newOriginPolicy(allowedOrigins []string) originPolicy {
	p := make(originPolicy, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if origin != "" {
			p[origin] = struct{}{}
		}
	}
	return p
}

func (p originPolicy) allows(origin string) bool {
	if len(p) == 0 {
		return true
	}
	_, ok := p[origin]
	return ok
}

// CORSMiddleware handles Cross-Origin Resource Sharing headers.
// Allowed origins are echoed back; preflight OPTIONS requests are answered.
func CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	policy := newOriginPolicy(allowedOrigins)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if origin != "" && policy.allows(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Add("Vary", "Origin")
			}

			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")
			w.Header().Set("Access-Control-Max-Age", "3600")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// CheckOrigin returns a websocket origin check for the allowed origins.
// Handshakes without an Origin header come from non-browser clients and are
// accepted.
func CheckOrigin(allowedOrigins []string) func(r *http.Request) bool {
	policy := newOriginPolicy(allowedOrigins)
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || policy.allows(origin) {
			return true
		}
		logging.LogSecurityEvent(r.Context(), logging.SecurityEventOriginRejected, "websocket origin not allowed")
		return false
	}
}
