package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/mcpcommons/internal/ratelimit"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestAPIKey(t *testing.T) {
	tests := []struct {
		header, auth, want string
	}{
		{"amcp_a", "", "amcp_a"},
		{"", "Bearer amcp_b", "amcp_b"},
		{" amcp_c ", "Bearer amcp_d", "amcp_c"},
		{"", "Basic abc", ""},
		{"", "", ""},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			r.Header.Set("X-Api-Key", tt.header)
		}
		if tt.auth != "" {
			r.Header.Set("Authorization", tt.auth)
		}
		if got := APIKey(r); got != tt.want {
			t.Errorf("APIKey(%q, %q) = %q, want %q", tt.header, tt.auth, got, tt.want)
		}
	}
}

func TestRealIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.1.1:5555"
	if got := RealIP(r); got != "10.1.1.1" {
		t.Errorf("RemoteAddr: got %q", got)
	}

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := RealIP(r); got != "203.0.113.9" {
		t.Errorf("X-Forwarded-For: got %q", got)
	}

	r.Header.Set("Fly-Client-IP", "198.51.100.7")
	if got := RealIP(r); got != "198.51.100.7" {
		t.Errorf("Fly-Client-IP: got %q", got)
	}
}

func TestStreamRateLimitMiddleware(t *testing.T) {
	limiter := ratelimit.New(time.Hour)
	guard := ratelimit.NewGuard(limiter, ratelimit.DefaultIPPolicy, ratelimit.DefaultKeyPolicy, nil, zerolog.Nop()).
		WithStreamPolicy(ratelimit.Policy{Name: "stream_open", Capacity: 2, RefillRate: 1})
	h := StreamRateLimit(guard)(ok)

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sse", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, rec.Code)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "2" {
			t.Fatalf("X-RateLimit-Limit = %q", rec.Header().Get("X-RateLimit-Limit"))
		}
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sse", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
	if !strings.Contains(rec.Body.String(), `"rate_limited"`) {
		t.Errorf("body = %s", rec.Body.String())
	}

	// Stream opens do not drain the write budget of the same address.
	if d := guard.CheckIP("192.0.2.1"); !d.Allowed || d.Remaining != ratelimit.DefaultIPPolicy.Capacity-1 {
		t.Fatalf("ip decision after stream denials = %+v", d)
	}

	// Another address has its own bucket.
	other := httptest.NewRequest(http.MethodGet, "/sse", nil)
	other.RemoteAddr = "192.0.2.50:1234"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, other)
	if rec.Code != http.StatusOK {
		t.Fatalf("other address: status = %d", rec.Code)
	}
}

func TestValidateRequest(t *testing.T) {
	h := ValidateRequest(ok)

	tests := []struct {
		name   string
		method string
		target string
		ct     string
		body   string
		want   int
	}{
		{"json post", http.MethodPost, "/api/messages", "application/json", `{}`, http.StatusOK},
		{"form post", http.MethodPost, "/api/messages", "application/x-www-form-urlencoded", "a=b", http.StatusUnsupportedMediaType},
		{"empty post", http.MethodPost, "/api/register", "", "", http.StatusOK},
		{"traversal", http.MethodGet, "/api/../etc/passwd", "", "", http.StatusBadRequest},
		{"script query", http.MethodGet, "/api/messages?search=%3Cscript%3E", "", "", http.StatusOK},
		{"raw script query", http.MethodGet, "/api/messages?search=<script>", "", "", http.StatusBadRequest},
		{"stream", http.MethodGet, "/api/messages/stream", "", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(tt.method, "/", strings.NewReader(tt.body))
			r.URL.Path = strings.SplitN(tt.target, "?", 2)[0]
			if i := strings.Index(tt.target, "?"); i >= 0 {
				r.URL.RawQuery = tt.target[i+1:]
			}
			if tt.ct != "" {
				r.Header.Set("Content-Type", tt.ct)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, r)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestNormalizePath(t *testing.T) {
	tests := map[string]string{
		"/api/messages":        "/api/messages",
		"/api/messages/":       "/api/messages",
		"/api/messages/stream": "/api/messages/stream",
		"/sse":                 "/sse",
		"/random/abc123":       "other",
	}
	for in, want := range tests {
		if got := normalizePath(in); got != want {
			t.Errorf("normalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SecurityHeaders(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api", nil))
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing nosniff")
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Security-Policy"), "default-src 'none'") {
		t.Errorf("CSP = %q", rec.Header().Get("Content-Security-Policy"))
	}
}
