package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eldtechnologies/mcpcommons/internal/crypto"
	"github.com/eldtechnologies/mcpcommons/internal/models"
)

// PostgreSQL error codes the store translates.
const (
	pgUniqueViolation = "23505"
	pgSyntaxError     = "42601"
)

// TextSearchConfig is the PostgreSQL text search configuration used for
// message content.
const TextSearchConfig = "english"

const messageColumns = `id::text, api_key_id::text, role, content, meta, created_at`

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Pool exposes the connection pool for LISTEN/NOTIFY subscribers.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// InsertMessage creates a new message record. The notify trigger installed by
// the migrations announces the new id on the feed channel.
func (s *PostgresStore) InsertMessage(ctx context.Context, credentialID string, role models.Role, content string, meta map[string]any) (*models.Message, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO messages (id, api_key_id, role, content, meta)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+messageColumns,
		crypto.NewUUIDv7().String(), credentialID, string(role), content, normalizeMeta(meta),
	)
	return scanPostgresMessage(row)
}

// QueryMessages retrieves a page of messages in commons order.
func (s *PostgresStore) QueryMessages(ctx context.Context, q MessageQuery) ([]models.Message, error) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if err := requireUUID(q.Before); err != nil {
		return nil, err
	}
	if c := q.Before; c != nil {
		if c.ID == "" {
			where = append(where, "created_at < "+arg(c.CreatedAt))
		} else {
			where = append(where, fmt.Sprintf("(created_at, id) < (%s, %s::uuid)", arg(c.CreatedAt), arg(c.ID)))
		}
	}
	if strings.TrimSpace(q.Search) != "" {
		where = append(where, fmt.Sprintf(
			"to_tsvector('%s', content) @@ to_tsquery('%s', %s)",
			TextSearchConfig, TextSearchConfig, arg(q.Search),
		))
	}

	query := `SELECT ` + messageColumns + ` FROM messages`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT " + arg(q.Limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, translatePgError(err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0, q.Limit)
	for rows.Next() {
		msg, err := scanPostgresMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, translatePgError(err)
	}
	return messages, nil
}

// GetMessage retrieves a message by ID.
func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1::uuid`, id)
	msg, err := scanPostgresMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return msg, nil
}

// FindCredential retrieves a credential by owner email.
func (s *PostgresStore) FindCredential(ctx context.Context, email string) (*models.Credential, error) {
	return s.findCredential(ctx, `SELECT id::text, email, key, active, created_at FROM api_keys WHERE email = lower($1)`, email)
}

// FindCredentialByKey retrieves a credential by key.
func (s *PostgresStore) FindCredentialByKey(ctx context.Context, key string) (*models.Credential, error) {
	return s.findCredential(ctx, `SELECT id::text, email, key, active, created_at FROM api_keys WHERE key = $1`, key)
}

// InsertCredential creates a new active credential.
func (s *PostgresStore) InsertCredential(ctx context.Context, email, key string) (*models.Credential, error) {
	cred, err := s.findCredential(ctx, `
		INSERT INTO api_keys (id, email, key)
		VALUES ($1, lower($2), $3)
		RETURNING id::text, email, key, active, created_at
	`, crypto.NewUUIDv7().String(), email, key)
	if err != nil {
		return nil, translatePgError(err)
	}
	return cred, nil
}

// ReactivateCredential sets the credential for email active again.
func (s *PostgresStore) ReactivateCredential(ctx context.Context, email string) (*models.Credential, error) {
	return s.findCredential(ctx, `
		UPDATE api_keys SET active = TRUE
		WHERE email = lower($1)
		RETURNING id::text, email, key, active, created_at
	`, email)
}

func (s *PostgresStore) findCredential(ctx context.Context, query string, args ...any) (*models.Credential, error) {
	cred := &models.Credential{}
	err := s.pool.QueryRow(ctx, query, args...).Scan(
		&cred.ID,
		&cred.Email,
		&cred.Key,
		&cred.Active,
		&cred.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	cred.CreatedAt = cred.CreatedAt.UTC()
	return cred, nil
}

func scanPostgresMessage(row pgx.Row) (*models.Message, error) {
	msg := &models.Message{}
	var role string
	err := row.Scan(
		&msg.ID,
		&msg.CredentialID,
		&role,
		&msg.Content,
		&msg.Meta,
		&msg.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	msg.Role = models.Role(role)
	msg.Meta = normalizeMeta(msg.Meta)
	msg.CreatedAt = msg.CreatedAt.UTC()
	return msg, nil
}

// translatePgError maps server errors onto the store's sentinel errors.
func translatePgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
		case pgSyntaxError:
			return fmt.Errorf("%w: %s", ErrInvalidQuery, pgErr.Message)
		}
	}
	return err
}
