package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/eldtechnologies/mcpcommons/internal/metrics"
	"github.com/eldtechnologies/mcpcommons/internal/ratelimit"
)

// StreamRateLimit charges each stream open to the per-address stream policy.
// Only stream endpoints are wrapped. Writes are limited inside the service and
// reads are not limited.
func StreamRateLimit(guard *ratelimit.Guard) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := guard.CheckStream(RealIP(r))
			SetRateLimitHeaders(w, d)

			if !d.Allowed {
				metrics.RateLimitHits.WithLabelValues(d.Policy).Inc()
				retry := d.RetryAfterSeconds()
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]interface{}{
					"error":      "rate limit exceeded",
					"code":       "rate_limited",
					"retryAfter": retry,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// SetRateLimitHeaders reports an admission decision on w. Zero decisions
// (no policy consulted) leave the headers untouched.
func SetRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	if d.Limit == 0 {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

// RealIP extracts the real client IP from headers or connection.
func RealIP(r *http.Request) string {
	// Check Fly.io header first
	if ip := r.Header.Get("Fly-Client-IP"); ip != "" {
		return ip
	}
	// Then X-Forwarded-For
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return strings.TrimSpace(strings.Split(ip, ",")[0])
	}
	// Then X-Real-IP
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	// Fallback to RemoteAddr
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
