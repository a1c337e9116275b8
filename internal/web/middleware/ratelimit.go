package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/JonMunkholm/certledger/internal/logging"
	"github.com/JonMunkholm/certledger/internal/ratelimit"
)

// RateLimit refuses requests over the limiter's per-IP budget with 429 and
// Retry-After. If the counter backend fails the request is let through.
func RateLimit(l *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := l.Allow(r.Context(), clientIP(r))
			if err != nil {
				logging.FromContext(r.Context()).Warn("rate limit check failed", "error", err)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				w.Header().Set("Retry-After", retryAfter(d.RetryAfter))
				writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded", "RATE001")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// retryAfter rounds up to whole seconds, minimum one.
func retryAfter(d time.Duration) string {
	s := int((d + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return strconv.Itoa(s)
}
