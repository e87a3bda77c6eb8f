package store

import (
	"context"
	"errors"
	"time"

	"github.com/eldtechnologies/mcpcommons/internal/models"
)

var (
	// ErrConflict is returned when a unique constraint would be violated.
	ErrConflict = errors.New("store: conflict")
	// ErrInvalidQuery is returned when a search expression cannot be parsed.
	ErrInvalidQuery = errors.New("store: invalid search query")
	// ErrInvalidCursor is returned when a cursor names an id the backend
	// cannot compare against.
	ErrInvalidCursor = errors.New("store: invalid cursor")
)

// MessageQuery selects a page of messages in commons order
// (created_at descending, id descending).
type MessageQuery struct {
	Search string  // free-text expression, empty for all messages
	Limit  int     // maximum number of messages
	Before *Cursor // exclusive upper bound, nil for the newest page
}

// DataStore defines the interface for persistent storage of credentials and
// messages. PostgresStore, SQLiteStore and MemoryStore implement it.
type DataStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Message operations
	InsertMessage(ctx context.Context, credentialID string, role models.Role, content string, meta map[string]any) (*models.Message, error)
	QueryMessages(ctx context.Context, q MessageQuery) ([]models.Message, error)
	GetMessage(ctx context.Context, id string) (*models.Message, error)

	// Credential operations
	FindCredential(ctx context.Context, email string) (*models.Credential, error)
	FindCredentialByKey(ctx context.Context, key string) (*models.Credential, error)
	InsertCredential(ctx context.Context, email, key string) (*models.Credential, error)
	ReactivateCredential(ctx context.Context, email string) (*models.Credential, error)
}

// normalizeMeta returns meta, or an empty map when meta is nil.
func normalizeMeta(meta map[string]any) map[string]any {
	if meta == nil {
		return map[string]any{}
	}
	return meta
}

// nowUTC is the store clock; tests replace it.
var nowUTC = func() time.Time { return time.Now().UTC() }
