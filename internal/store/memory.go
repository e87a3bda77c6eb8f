package store

import (
	"context"
	"crypto/rand"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/eldtechnologies/mcpcommons/internal/crypto"
	"github.com/eldtechnologies/mcpcommons/internal/models"
)

// MemoryStore keeps credentials and messages in process memory. It backs
// development runs without a database and the package tests.
type MemoryStore struct {
	mu          sync.RWMutex
	messages    []models.Message // commons order, newest first
	byID        map[string]int
	credentials map[string]*models.Credential // by email
	byKey       map[string]*models.Credential
	entropy     io.Reader
	now         func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:        make(map[string]int),
		credentials: make(map[string]*models.Credential),
		byKey:       make(map[string]*models.Credential),
		entropy:     ulid.Monotonic(rand.Reader, 0),
		now:         nowUTC,
	}
}

// SetClock replaces the clock used for creation timestamps.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Close is a no-op.
func (s *MemoryStore) Close() {}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// InsertMessage appends a message.
func (s *MemoryStore) InsertMessage(ctx context.Context, credentialID string, role models.Role, content string, meta map[string]any) (*models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	createdAt := s.now()
	msg := models.Message{
		ID:           ulid.MustNew(ulid.Timestamp(createdAt), s.entropy).String(),
		Role:         role,
		Content:      content,
		Meta:         normalizeMeta(meta),
		CreatedAt:    createdAt,
		CredentialID: credentialID,
	}

	// Keep newest first; a skewed clock may place the message below the head.
	idx := sort.Search(len(s.messages), func(i int) bool {
		return s.messages[i].Before(&msg)
	})
	s.messages = append(s.messages, models.Message{})
	copy(s.messages[idx+1:], s.messages[idx:])
	s.messages[idx] = msg
	for i := idx; i < len(s.messages); i++ {
		s.byID[s.messages[i].ID] = i
	}

	out := msg
	return &out, nil
}

// QueryMessages returns a page of messages in commons order.
func (s *MemoryStore) QueryMessages(ctx context.Context, q MessageQuery) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	matcher, err := compileSearch(q.Search)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Message, 0, q.Limit)
	for i := range s.messages {
		if len(out) >= q.Limit {
			break
		}
		msg := &s.messages[i]
		if !q.Before.Admits(msg) {
			continue
		}
		if matcher != nil && !matcher.Match(Words(msg.Content)) {
			continue
		}
		out = append(out, *msg)
	}
	return out, nil
}

// GetMessage retrieves a message by ID.
func (s *MemoryStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	msg := s.messages[idx]
	return &msg, nil
}

// FindCredential retrieves a credential by owner email.
func (s *MemoryStore) FindCredential(ctx context.Context, email string) (*models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyCredential(s.credentials[strings.ToLower(email)]), nil
}

// FindCredentialByKey retrieves a credential by its key.
func (s *MemoryStore) FindCredentialByKey(ctx context.Context, key string) (*models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyCredential(s.byKey[key]), nil
}

// InsertCredential creates an active credential.
func (s *MemoryStore) InsertCredential(ctx context.Context, email, key string) (*models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	email = strings.ToLower(email)
	if _, ok := s.credentials[email]; ok {
		return nil, ErrConflict
	}
	if _, ok := s.byKey[key]; ok {
		return nil, ErrConflict
	}
	cred := &models.Credential{
		ID:        crypto.NewUUIDv7().String(),
		Key:       key,
		Email:     email,
		Active:    true,
		CreatedAt: s.now(),
	}
	s.credentials[email] = cred
	s.byKey[key] = cred
	return copyCredential(cred), nil
}

// ReactivateCredential flips the credential for email back to active.
func (s *MemoryStore) ReactivateCredential(ctx context.Context, email string) (*models.Credential, error) {
	return s.setActive(strings.ToLower(email), true)
}

// Deactivate marks the credential for email inactive. Deactivation is an
// administrative action; the server never calls it.
func (s *MemoryStore) Deactivate(email string) (*models.Credential, error) {
	return s.setActive(strings.ToLower(email), false)
}

func (s *MemoryStore) setActive(email string, active bool) (*models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.credentials[email]
	if !ok {
		return nil, nil
	}
	cred.Active = active
	return copyCredential(cred), nil
}

func copyCredential(c *models.Credential) *models.Credential {
	if c == nil {
		return nil
	}
	out := *c
	return &out
}

// compileSearch parses a non-empty search expression.
func compileSearch(search string) (Query, error) {
	if strings.TrimSpace(search) == "" {
		return nil, nil
	}
	return ParseQuery(search)
}
