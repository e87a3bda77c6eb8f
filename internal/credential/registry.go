// Package credential issues and checks the API keys that authorize writes.
package credential

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/mcpcommons/internal/crypto"
	"github.com/eldtechnologies/mcpcommons/internal/models"
	"github.com/eldtechnologies/mcpcommons/internal/store"
)

var (
	ErrMissingCredential = errors.New("credential missing")
	ErrAlreadyRegistered = errors.New("credential already registered")
	ErrNotFound          = errors.New("credential not found")
	ErrInactive          = errors.New("credential inactive")
)

// Store is the slice of the data store the registry needs.
type Store interface {
	FindCredential(ctx context.Context, email string) (*models.Credential, error)
	FindCredentialByKey(ctx context.Context, key string) (*models.Credential, error)
	InsertCredential(ctx context.Context, email, key string) (*models.Credential, error)
	ReactivateCredential(ctx context.Context, email string) (*models.Credential, error)
}

// Registry registers owners and authenticates presented keys.
type Registry struct {
	store  Store
	logger zerolog.Logger
}

// NewRegistry creates a registry backed by s.
func NewRegistry(s Store, logger zerolog.Logger) *Registry {
	return &Registry{
		store:  s,
		logger: logger.With().Str("component", "credential").Logger(),
	}
}

// NormalizeEmail trims and lowercases an owner email.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register issues a credential for email. An active credential for the same
// owner yields ErrAlreadyRegistered; an inactive one is reactivated and its
// original key returned with reactivated set.
func (r *Registry) Register(ctx context.Context, email string) (cred *models.Credential, reactivated bool, err error) {
	email = NormalizeEmail(email)

	existing, err := r.store.FindCredential(ctx, email)
	if err != nil {
		return nil, false, fmt.Errorf("find credential: %w", err)
	}

	if existing != nil {
		if existing.Active {
			return nil, false, ErrAlreadyRegistered
		}
		cred, err := r.store.ReactivateCredential(ctx, email)
		if err != nil {
			return nil, false, fmt.Errorf("reactivate credential: %w", err)
		}
		if cred == nil {
			return nil, false, ErrNotFound
		}
		r.logger.Info().Str("credential_id", cred.ID).Msg("credential reactivated")
		return cred, true, nil
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, false, err
	}

	cred, err = r.store.InsertCredential(ctx, email, key)
	if err != nil {
		// A concurrent registration for the same owner won the race.
		if errors.Is(err, store.ErrConflict) {
			return nil, false, ErrAlreadyRegistered
		}
		return nil, false, fmt.Errorf("insert credential: %w", err)
	}

	r.logger.Info().Str("credential_id", cred.ID).Msg("credential registered")
	return cred, false, nil
}

// Authenticate resolves a presented key to its credential. Keys that fail the
// format check are rejected as ErrNotFound without a store lookup.
func (r *Registry) Authenticate(ctx context.Context, key string) (*models.Credential, error) {
	if key == "" {
		return nil, ErrMissingCredential
	}
	if err := crypto.ValidateKeyFormat(key); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	cred, err := r.store.FindCredentialByKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("find credential: %w", err)
	}
	if cred == nil {
		return nil, ErrNotFound
	}
	if !cred.Active {
		return nil, ErrInactive
	}
	return cred, nil
}
