package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/eldtechnologies/mcpcommons/internal/api/middleware"
	"github.com/eldtechnologies/mcpcommons/internal/session"
)

// SessionHeader carries the session token on the stream response.
const SessionHeader = "Mcp-Session-Id"

// maxPayload bounds one routed JSON-RPC message.
const maxPayload = 64 * 1024

// OpenSession opens a multiplexed session and streams its replies until the
// client goes away. The first frame names the endpoint that accepts the
// session's requests.
func (h *Handler) OpenSession(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("apiKey")
	if key == "" {
		key = middleware.APIKey(r)
	}

	t := newSSETransport()
	sess, err := h.sessions.Open(key, middleware.RealIP(r), t)
	if err != nil {
		if errors.Is(err, session.ErrMissingCredential) {
			h.JSON(w, http.StatusBadRequest, ErrorResponse{
				Error: "apiKey query parameter or x-api-key header required",
				Code:  "missing_credential",
			})
			return
		}
		h.writeServiceError(w, err)
		return
	}
	token := sess.Token()
	defer h.sessions.Close(token)

	w.Header().Set(SessionHeader, token)
	sse := newSSEWriter(w)
	if err := sse.event("endpoint", []byte("/message?sessionId="+token)); err != nil {
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sess.Done():
			return
		case f := <-t.frames:
			if err := sse.event(f.event, f.data); err != nil {
				h.logger.Debug().Err(err).Str("session", token).Msg("session stream write failed")
				return
			}
		case <-ticker.C:
			if err := sse.comment("heartbeat"); err != nil {
				return
			}
		}
	}
}

// SessionMessage routes a JSON-RPC payload to its session. The reply is
// delivered on the session stream; the POST is only acknowledged.
func (h *Handler) SessionMessage(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("sessionId")
	if token == "" {
		token = r.Header.Get(SessionHeader)
	}
	if token == "" {
		h.JSON(w, http.StatusBadRequest, ErrorResponse{Error: "sessionId required", Code: "validation_error", Field: "sessionId"})
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayload+1))
	if err != nil {
		h.JSON(w, http.StatusBadRequest, ErrorResponse{Error: "unreadable body", Code: "validation_error", Field: "body"})
		return
	}
	if len(payload) > maxPayload {
		h.JSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: "payload too large", Code: "validation_error", Field: "body"})
		return
	}

	if _, err := h.sessions.Route(r.Context(), token, payload); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			h.JSON(w, http.StatusNotFound, ErrorResponse{Error: "session not found", Code: "session_not_found"})
			return
		}
		h.writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}
