package handlers

import (
	"net/http"
	"time"

	"github.com/eldtechnologies/mcpcommons/internal/api/middleware"
)

// RegisterRequest represents the registration request body.
type RegisterRequest struct {
	Email string `json:"email"`
}

// RegisterResponse represents the registration response.
type RegisterResponse struct {
	Key       string     `json:"key"`
	Email     string     `json:"email"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	Message   string     `json:"message,omitempty"`
}

// Register issues an API key for an email, or reactivates a deactivated one.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeServiceError(w, err)
		return
	}

	res, d, err := h.svc.Register(r.Context(), middleware.RealIP(r), req.Email)
	middleware.SetRateLimitHeaders(w, d)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	cred := res.Credential
	if res.Reactivated {
		h.JSON(w, http.StatusOK, RegisterResponse{
			Key:     cred.Key,
			Email:   cred.Email,
			Message: "Your existing API key has been reactivated",
		})
		return
	}

	h.JSON(w, http.StatusCreated, RegisterResponse{
		Key:       cred.Key,
		Email:     cred.Email,
		CreatedAt: &cred.CreatedAt,
	})
}
