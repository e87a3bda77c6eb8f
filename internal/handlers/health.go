package handlers

import (
	"context"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/eldtechnologies/mcpcommons/internal/commons"
)

// Check represents the status of a health check.
type Check struct {
	Status  string `json:"status"`            // "pass" or "fail"
	Latency string `json:"latency,omitempty"` // e.g., "2ms"
	Message string `json:"message,omitempty"`
}

// FeedCheck reports the change feed consumer.
type FeedCheck struct {
	Status         string     `json:"status"`
	Backend        string     `json:"backend"`
	CachedMessages int        `json:"cachedMessages"`
	Reconnects     int64      `json:"reconnects"`
	LastEventAt    *time.Time `json:"lastEventAt,omitempty"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string           `json:"status"` // "healthy" or "degraded"
	Version   string           `json:"version"`
	Region    string           `json:"region,omitempty"`
	Instance  string           `json:"instance,omitempty"`
	Checks    map[string]Check `json:"checks"`
	Feed      *FeedCheck       `json:"feed,omitempty"`
	Sessions  int              `json:"sessions"`
	Timestamp string           `json:"timestamp"`
}

// Health handles the health check endpoint. A disconnected feed degrades
// the status but live reads still work from the store.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]Check)
	allHealthy := true

	probe := func(name string, p Pinger) {
		start := time.Now()
		if err := p.Ping(ctx); err != nil {
			checks[name] = Check{Status: "fail", Message: "connection failed"}
			allHealthy = false
			return
		}
		checks[name] = Check{Status: "pass", Latency: time.Since(start).String()}
	}

	probe("store", h.svc)
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		probe(name, h.checks[name])
	}

	var fc *FeedCheck
	if h.feedStatus != nil {
		st := h.feedStatus()
		fc = &FeedCheck{
			Status:         "pass",
			Backend:        st.Backend,
			CachedMessages: st.CachedMessages,
			Reconnects:     st.Reconnects,
		}
		if !st.LastEventAt.IsZero() {
			t := st.LastEventAt
			fc.LastEventAt = &t
		}
		if !st.Connected {
			fc.Status = "fail"
			allHealthy = false
		}
	}

	status := "healthy"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	sessions := 0
	if h.sessions != nil {
		sessions = h.sessions.Len()
	}

	h.JSON(w, statusCode, HealthResponse{
		Status:    status,
		Version:   commons.Version,
		Region:    os.Getenv("FLY_REGION"),
		Instance:  os.Getenv("FLY_ALLOC_ID"),
		Checks:    checks,
		Feed:      fc,
		Sessions:  sessions,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// RootResponse represents the root endpoint response.
type RootResponse struct {
	Name      string            `json:"name"`
	Version   string            `json:"version"`
	Endpoints map[string]string `json:"endpoints"`
}

// Root handles the API info endpoint.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, RootResponse{
		Name:    "MCP Commons",
		Version: commons.Version,
		Endpoints: map[string]string{
			"register": "POST /api/register",
			"messages": "GET|POST /api/messages",
			"stream":   "GET /api/messages/stream",
			"session":  "GET /sse",
			"rpc":      "POST /message?sessionId=",
			"health":   "GET /health",
		},
	})
}
