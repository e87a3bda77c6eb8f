package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/mcpcommons/internal/commons"
	"github.com/eldtechnologies/mcpcommons/internal/feed"
	"github.com/eldtechnologies/mcpcommons/internal/session"
)

// Pinger is a dependency the health check probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of the HTTP handlers.
type Deps struct {
	Service     *commons.Service
	Sessions    *session.Multiplexer
	Hub         *feed.Hub
	FeedStatus  func() feed.Status
	Checks      map[string]Pinger // probed by /health in addition to the store
	Heartbeat   time.Duration
	StreamBatch int
	Logger      zerolog.Logger
}

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	svc         *commons.Service
	sessions    *session.Multiplexer
	hub         *feed.Hub
	feedStatus  func() feed.Status
	checks      map[string]Pinger
	heartbeat   time.Duration
	streamBatch int
	logger      zerolog.Logger

	closed    chan struct{}
	closeOnce sync.Once
}

// NewHandler creates a new Handler.
func NewHandler(d Deps) *Handler {
	if d.Heartbeat <= 0 {
		d.Heartbeat = 30 * time.Second
	}
	if d.StreamBatch <= 0 {
		d.StreamBatch = commons.MaxLimit
	}
	return &Handler{
		svc:         d.Service,
		sessions:    d.Sessions,
		hub:         d.Hub,
		feedStatus:  d.FeedStatus,
		checks:      d.Checks,
		heartbeat:   d.Heartbeat,
		streamBatch: d.StreamBatch,
		logger:      d.Logger.With().Str("component", "http").Logger(),
		closed:      make(chan struct{}),
	}
}

// Close ends every public stream. It is meant for http.Server.RegisterOnShutdown.
func (h *Handler) Close() {
	h.closeOnce.Do(func() { close(h.closed) })
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// ErrorResponse is the body of failed API calls.
type ErrorResponse struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	Field      string `json:"field,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

// writeServiceError maps a commons error to its HTTP status and body.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	code := commons.ErrorCode(err)
	resp := ErrorResponse{Error: err.Error(), Code: code}

	status := http.StatusInternalServerError
	switch code {
	case commons.CodeValidation:
		status = http.StatusBadRequest
		var verr *commons.ValidationError
		if errors.As(err, &verr) {
			resp.Field = verr.Field
		}
	case commons.CodeRateLimited:
		status = http.StatusTooManyRequests
		var rl *commons.RateLimitedError
		if errors.As(err, &rl) {
			resp.RetryAfter = rl.Decision.RetryAfterSeconds()
			w.Header().Set("Retry-After", strconv.Itoa(resp.RetryAfter))
		}
		resp.Error = "rate limit exceeded"
	case commons.CodeAlreadyRegistered:
		status = http.StatusConflict
		resp.Error = "email already registered"
	case commons.CodeMissingCredential:
		status = http.StatusUnauthorized
		resp.Error = "missing x-api-key header"
	case commons.CodeNotFound:
		status = http.StatusUnauthorized
		resp.Error = "invalid API key"
	case commons.CodeInactive:
		status = http.StatusForbidden
		resp.Error = "API key is inactive"
	case commons.CodeTimeout:
		status = http.StatusGatewayTimeout
		resp.Error = "store timeout"
	case commons.CodeCanceled:
		// Client went away; nobody reads the body.
		status = 499
	default:
		h.logger.Error().Err(err).Msg("request failed")
		resp.Error = "internal server error"
	}

	h.JSON(w, status, resp)
}

// decodeJSON decodes the request body into v.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &commons.ValidationError{Field: "body", Reason: "invalid JSON body"}
	}
	return nil
}
