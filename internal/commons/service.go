// Package commons holds the register, write and search paths shared by the
// REST handlers and the streaming sessions.
package commons

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/mcpcommons/internal/credential"
	"github.com/eldtechnologies/mcpcommons/internal/metrics"
	"github.com/eldtechnologies/mcpcommons/internal/models"
	"github.com/eldtechnologies/mcpcommons/internal/ratelimit"
	"github.com/eldtechnologies/mcpcommons/internal/store"
)

// Version is reported by the health endpoint and the session handshake.
const Version = "0.1.0"

const (
	DefaultLimit = 50
	MaxLimit     = 100
	maxEmailLen  = 254
)

// emailRegex validates email addresses per RFC 5322 (simplified).
var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// WriteRequest is a message submitted for the commons.
type WriteRequest struct {
	Role    models.Role    `json:"role"`
	Content string         `json:"content"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// SearchRequest selects a page of messages.
type SearchRequest struct {
	Query  string `json:"search,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Cursor string `json:"cursor,omitempty"`
}

// Page is one page of search results.
type Page struct {
	Messages   []models.Message `json:"messages"`
	NextCursor string           `json:"cursor,omitempty"`
	HasMore    bool             `json:"hasMore"`
}

// RegisterResult is the outcome of a registration.
type RegisterResult struct {
	Credential  *models.Credential
	Reactivated bool
}

// Service implements the commons operations over a store, the credential
// registry and the rate limit guard.
type Service struct {
	store    store.DataStore
	registry *credential.Registry
	guard    *ratelimit.Guard
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewService creates a service. Every store call is bounded by timeout.
func NewService(ds store.DataStore, registry *credential.Registry, guard *ratelimit.Guard, timeout time.Duration, logger zerolog.Logger) *Service {
	return &Service{
		store:    ds,
		registry: registry,
		guard:    guard,
		timeout:  timeout,
		logger:   logger.With().Str("component", "commons").Logger(),
	}
}

func (s *Service) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func observe(op string, start time.Time) {
	metrics.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Register issues or reactivates the credential for email. The coarse
// address policy is applied first.
func (s *Service) Register(ctx context.Context, clientIP, email string) (*RegisterResult, ratelimit.Decision, error) {
	d := s.guard.CheckIP(clientIP)
	if !d.Allowed {
		metrics.RateLimitHits.WithLabelValues(d.Policy).Inc()
		return nil, d, &RateLimitedError{Decision: d}
	}

	email = credential.NormalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return nil, d, err
	}

	ctx, cancel := s.bounded(ctx)
	defer cancel()
	defer observe("register", time.Now())

	cred, reactivated, err := s.registry.Register(ctx, email)
	if err != nil {
		if errors.Is(err, credential.ErrAlreadyRegistered) || errors.Is(err, credential.ErrNotFound) {
			return nil, d, err
		}
		return nil, d, storeError("register", err)
	}

	outcome := "created"
	if reactivated {
		outcome = "reactivated"
	}
	metrics.CredentialsRegistered.WithLabelValues(outcome).Inc()

	return &RegisterResult{Credential: cred, Reactivated: reactivated}, d, nil
}

// Authenticate resolves key, bounded by the store timeout.
func (s *Service) Authenticate(ctx context.Context, key string) (*models.Credential, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	cred, err := s.registry.Authenticate(ctx, key)
	if err != nil {
		if errors.Is(err, credential.ErrMissingCredential) ||
			errors.Is(err, credential.ErrNotFound) ||
			errors.Is(err, credential.ErrInactive) {
			return nil, err
		}
		return nil, storeError("authenticate", err)
	}
	return cred, nil
}

// Write validates req, authenticates key, passes both rate limit policies
// and inserts the message.
func (s *Service) Write(ctx context.Context, clientIP, key string, req WriteRequest) (*models.Message, ratelimit.Decision, error) {
	var d ratelimit.Decision

	if err := ValidateWrite(req); err != nil {
		return nil, d, err
	}

	cred, err := s.Authenticate(ctx, key)
	if err != nil {
		return nil, d, err
	}

	d = s.guard.CheckWrite(clientIP, cred.ID)
	if !d.Allowed {
		metrics.RateLimitHits.WithLabelValues(d.Policy).Inc()
		return nil, d, &RateLimitedError{Decision: d}
	}

	ctx, cancel := s.bounded(ctx)
	defer cancel()
	defer observe("insert", time.Now())

	msg, err := s.store.InsertMessage(ctx, cred.ID, req.Role, req.Content, req.Meta)
	if err != nil {
		s.logger.Error().Err(err).Str("credential_id", cred.ID).Msg("insert message failed")
		return nil, d, storeError("insert", err)
	}

	metrics.MessagesWritten.WithLabelValues(string(msg.Role)).Inc()
	return msg, d, nil
}

// Search returns one page of messages. A query the store rejects is retried
// once in its conjunctive form; an empty result is never retried.
func (s *Service) Search(ctx context.Context, req SearchRequest) (*Page, error) {
	limit, err := ClampLimit(req.Limit)
	if err != nil {
		return nil, err
	}

	cursor, err := store.DecodeCursor(req.Cursor)
	if err != nil {
		return nil, invalid("cursor", err.Error())
	}

	q := store.MessageQuery{Search: strings.TrimSpace(req.Query), Limit: limit, Before: cursor}

	msgs, err := s.query(ctx, q)
	fallback := false
	if err != nil && q.Search != "" && retryable(err) {
		rewritten := store.RewriteConjunctive(q.Search)
		if rewritten != q.Search {
			s.logger.Debug().Err(err).Str("query", q.Search).Str("rewritten", rewritten).Msg("retrying search with conjunctive query")
			q.Search = rewritten
			fallback = true
			msgs, err = s.query(ctx, q)
		}
	}
	metrics.SearchQueries.WithLabelValues(boolLabel(fallback)).Inc()
	if err != nil {
		if errors.Is(err, store.ErrInvalidCursor) {
			return nil, invalid("cursor", "unknown position")
		}
		if errors.Is(err, store.ErrInvalidQuery) {
			return nil, invalid("search", "malformed query")
		}
		return nil, err
	}

	page := &Page{Messages: msgs, HasMore: len(msgs) == limit}
	if page.HasMore {
		page.NextCursor = store.EncodeCursor(store.CursorAfter(&msgs[len(msgs)-1]))
	}
	return page, nil
}

// retryable reports whether a failed search may succeed in conjunctive form.
func retryable(err error) bool {
	return !errors.Is(err, ErrTimeout) && !errors.Is(err, context.Canceled) && !errors.Is(err, store.ErrInvalidCursor)
}

func (s *Service) query(ctx context.Context, q store.MessageQuery) ([]models.Message, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	defer observe("query", time.Now())

	msgs, err := s.store.QueryMessages(ctx, q)
	if err != nil {
		return nil, storeError("query", err)
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	return msgs, nil
}

// Ping checks the backing store.
func (s *Service) Ping(ctx context.Context) error {
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	return s.store.Ping(ctx)
}

// ValidateWrite checks role, content length and meta.
func ValidateWrite(req WriteRequest) error {
	if !req.Role.Valid() {
		return invalid("role", "must be one of user, assistant, system, tool")
	}
	if len(req.Content) == 0 {
		return invalid("content", "must not be empty")
	}
	if len(req.Content) > models.MaxContentBytes {
		return invalid("content", "exceeds 16384 bytes")
	}
	if !utf8.ValidString(req.Content) {
		return invalid("content", "must be valid UTF-8")
	}
	return nil
}

// ClampLimit applies the default and maximum page size. Zero selects the
// default; negative limits are rejected.
func ClampLimit(limit int) (int, error) {
	switch {
	case limit < 0:
		return 0, invalid("limit", "must be positive")
	case limit == 0:
		return DefaultLimit, nil
	case limit > MaxLimit:
		return MaxLimit, nil
	}
	return limit, nil
}

func validateEmail(email string) error {
	if email == "" {
		return invalid("email", "is required")
	}
	if len(email) > maxEmailLen || !emailRegex.MatchString(email) {
		return invalid("email", "invalid email format")
	}
	return nil
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
