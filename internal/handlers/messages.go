package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/eldtechnologies/mcpcommons/internal/api/middleware"
	"github.com/eldtechnologies/mcpcommons/internal/commons"
)

// PostMessageResponse is returned for a stored message.
type PostMessageResponse struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// ListMessages returns one page of messages, newest first, optionally
// filtered by a search query.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	req := commons.SearchRequest{
		Query:  q.Get("search"),
		Cursor: q.Get("cursor"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			h.writeServiceError(w, &commons.ValidationError{Field: "limit", Reason: "must be an integer"})
			return
		}
		req.Limit = n
	}

	page, err := h.svc.Search(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.JSON(w, http.StatusOK, page)
}

// PostMessage stores a message for the credential in the x-api-key header.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req commons.WriteRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeServiceError(w, err)
		return
	}

	msg, d, err := h.svc.Write(r.Context(), middleware.RealIP(r), middleware.APIKey(r), req)
	middleware.SetRateLimitHeaders(w, d)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.JSON(w, http.StatusCreated, PostMessageResponse{ID: msg.ID, CreatedAt: msg.CreatedAt})
}
