package httpapi

import (
	"net"
	"net/http"
	"strings"

	"github.com/vibestack/syncd/internal/ratelimit"
)

// connectRateLimitMiddleware rate-limits WebSocket upgrade attempts by
// IP address, applied only to the /sync path.
func connectRateLimitMiddleware(rl *ratelimit.Limiter, limit int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/sync" {
				if !rl.Allow("connect:"+clientIP(r), limit) {
					writeError(w, http.StatusTooManyRequests, "rate_limited", "connection rate limit exceeded")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP extracts the client IP from the request, checking X-Forwarded-For first.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.IndexByte(xff, ','); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
