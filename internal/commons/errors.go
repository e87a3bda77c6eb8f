package commons

import (
	"context"
	"errors"
	"fmt"

	"github.com/eldtechnologies/mcpcommons/internal/credential"
	"github.com/eldtechnologies/mcpcommons/internal/ratelimit"
)

var (
	// ErrStore wraps failures of the message store.
	ErrStore = errors.New("store error")
	// ErrTimeout is returned when a store call exceeds its deadline.
	ErrTimeout = errors.New("store timeout")
)

// ValidationError reports malformed input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// RateLimitedError reports a denied admission check.
type RateLimitedError struct {
	Decision ratelimit.Decision
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded (%s), retry after %ds", e.Decision.Policy, e.Decision.RetryAfterSeconds())
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// storeError classifies an error returned by a store call.
func storeError(op string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s", ErrTimeout, op)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return fmt.Errorf("%w: %s: %w", ErrStore, op, err)
	}
}

// Error codes shared by the HTTP and session bindings.
const (
	CodeValidation        = "validation_error"
	CodeRateLimited       = "rate_limited"
	CodeAlreadyRegistered = "already_registered"
	CodeMissingCredential = "missing_credential"
	CodeNotFound          = "not_found"
	CodeInactive          = "inactive"
	CodeTimeout           = "timeout"
	CodeStore             = "store_error"
	CodeCanceled          = "canceled"
)

// ErrorCode classifies err for clients.
func ErrorCode(err error) string {
	var verr *ValidationError
	var rl *RateLimitedError
	switch {
	case errors.As(err, &verr):
		return CodeValidation
	case errors.As(err, &rl):
		return CodeRateLimited
	case errors.Is(err, credential.ErrAlreadyRegistered):
		return CodeAlreadyRegistered
	case errors.Is(err, credential.ErrMissingCredential):
		return CodeMissingCredential
	case errors.Is(err, credential.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, credential.ErrInactive):
		return CodeInactive
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	}
	return CodeStore
}
