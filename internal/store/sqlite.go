package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"

	"github.com/eldtechnologies/mcpcommons/internal/crypto"
	"github.com/eldtechnologies/mcpcommons/internal/models"
)

// SQLiteStore handles SQLite database operations.
type SQLiteStore struct {
	db *sql.DB

	entropyMu sync.Mutex
	entropy   io.Reader
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/commons.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/commons.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db, entropy: ulid.Monotonic(rand.Reader, 0)}

	// Initialize schema
	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist. Timestamps are stored as
// Unix nanoseconds so ordering is exact.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		email TEXT UNIQUE NOT NULL,
		key TEXT UNIQUE NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		api_key_id TEXT NOT NULL REFERENCES api_keys(id),
		role TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system', 'tool')),
		content TEXT NOT NULL,
		meta TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_order ON messages(created_at DESC, id DESC);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InsertMessage creates a new message record.
func (s *SQLiteStore) InsertMessage(ctx context.Context, credentialID string, role models.Role, content string, meta map[string]any) (*models.Message, error) {
	meta = normalizeMeta(meta)
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}

	now := nowUTC()
	s.entropyMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(now), s.entropy).String()
	s.entropyMu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, api_key_id, role, content, meta, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, credentialID, string(role), content, string(metaJSON), now.UnixNano())
	if err != nil {
		return nil, err
	}

	return &models.Message{
		ID:           id,
		Role:         role,
		Content:      content,
		Meta:         meta,
		CreatedAt:    now,
		CredentialID: credentialID,
	}, nil
}

// QueryMessages retrieves a page of messages. Search expressions are
// evaluated in process while scanning rows in commons order.
func (s *SQLiteStore) QueryMessages(ctx context.Context, q MessageQuery) ([]models.Message, error) {
	matcher, err := compileSearch(q.Search)
	if err != nil {
		return nil, err
	}

	var where []string
	var args []any
	if c := q.Before; c != nil {
		if c.ID == "" {
			where = append(where, "created_at < ?")
			args = append(args, c.CreatedAt.UnixNano())
		} else {
			where = append(where, "(created_at < ? OR (created_at = ? AND id < ?))")
			args = append(args, c.CreatedAt.UnixNano(), c.CreatedAt.UnixNano(), c.ID)
		}
	}

	query := `SELECT id, api_key_id, role, content, meta, created_at FROM messages`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if matcher == nil {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]models.Message, 0, q.Limit)
	for rows.Next() && len(messages) < q.Limit {
		msg, err := scanSQLiteMessage(rows)
		if err != nil {
			return nil, err
		}
		if matcher != nil && !matcher.Match(Words(msg.Content)) {
			continue
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

// GetMessage retrieves a message by ID.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, api_key_id, role, content, meta, created_at
		FROM messages WHERE id = ?
	`, id)
	msg, err := scanSQLiteMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return msg, nil
}

// FindCredential retrieves a credential by owner email.
func (s *SQLiteStore) FindCredential(ctx context.Context, email string) (*models.Credential, error) {
	return s.findCredential(ctx, "email = ?", strings.ToLower(email))
}

// FindCredentialByKey retrieves a credential by key.
func (s *SQLiteStore) FindCredentialByKey(ctx context.Context, key string) (*models.Credential, error) {
	return s.findCredential(ctx, "key = ?", key)
}

// InsertCredential creates a new active credential.
func (s *SQLiteStore) InsertCredential(ctx context.Context, email, key string) (*models.Credential, error) {
	cred := &models.Credential{
		ID:        crypto.NewUUIDv7().String(),
		Key:       key,
		Email:     strings.ToLower(email),
		Active:    true,
		CreatedAt: nowUTC(),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, email, key, active, created_at)
		VALUES (?, ?, ?, 1, ?)
	`, cred.ID, cred.Email, cred.Key, cred.CreatedAt.UnixNano())
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return nil, ErrConflict
		}
		return nil, err
	}
	return cred, nil
}

// ReactivateCredential sets the credential for email active again.
func (s *SQLiteStore) ReactivateCredential(ctx context.Context, email string) (*models.Credential, error) {
	email = strings.ToLower(email)
	if _, err := s.db.ExecContext(ctx, `UPDATE api_keys SET active = 1 WHERE email = ?`, email); err != nil {
		return nil, err
	}
	return s.FindCredential(ctx, email)
}

func (s *SQLiteStore) findCredential(ctx context.Context, cond string, arg any) (*models.Credential, error) {
	cred := &models.Credential{}
	var active int
	var createdAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, key, active, created_at
		FROM api_keys WHERE `+cond, arg).Scan(
		&cred.ID,
		&cred.Email,
		&cred.Key,
		&active,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	cred.Active = active != 0
	cred.CreatedAt = time.Unix(0, createdAt).UTC()
	return cred, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteMessage(row rowScanner) (*models.Message, error) {
	msg := &models.Message{}
	var role, metaJSON string
	var createdAt int64
	if err := row.Scan(&msg.ID, &msg.CredentialID, &role, &msg.Content, &metaJSON, &createdAt); err != nil {
		return nil, err
	}
	msg.Role = models.Role(role)
	msg.CreatedAt = time.Unix(0, createdAt).UTC()
	if err := json.Unmarshal([]byte(metaJSON), &msg.Meta); err != nil {
		return nil, err
	}
	msg.Meta = normalizeMeta(msg.Meta)
	return msg, nil
}
