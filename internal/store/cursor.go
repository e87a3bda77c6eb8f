package store

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/eldtechnologies/mcpcommons/internal/models"
)

// Cursor marks a position in the commons order. A page fetched with a cursor
// contains only messages strictly after it in that order (older, or equally
// old with a smaller id). An empty ID means "strictly older than CreatedAt".
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// CursorAfter returns the cursor positioned at msg.
func CursorAfter(msg *models.Message) *Cursor {
	return &Cursor{CreatedAt: msg.CreatedAt, ID: msg.ID}
}

// Admits reports whether msg lies strictly after the cursor.
func (c *Cursor) Admits(msg *models.Message) bool {
	if c == nil {
		return true
	}
	if msg.CreatedAt.Before(c.CreatedAt) {
		return true
	}
	if c.ID == "" || !msg.CreatedAt.Equal(c.CreatedAt) {
		return false
	}
	return msg.ID < c.ID
}

// EncodeCursor renders c as an opaque, URL-safe token.
func EncodeCursor(c *Cursor) string {
	if c == nil {
		return ""
	}
	raw := c.CreatedAt.UTC().Format(time.RFC3339Nano) + "|" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a token produced by EncodeCursor. A bare RFC 3339
// timestamp is also accepted and yields a timestamp-only cursor.
func DecodeCursor(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, token); err == nil {
		return &Cursor{CreatedAt: ts.UTC()}, nil
	}

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor: %w", err)
	}
	tsPart, id, ok := strings.Cut(string(raw), "|")
	if !ok {
		return nil, fmt.Errorf("invalid cursor: missing separator")
	}
	ts, err := time.Parse(time.RFC3339Nano, tsPart)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor: %w", err)
	}
	return &Cursor{CreatedAt: ts.UTC(), ID: id}, nil
}

// requireUUID rejects a cursor whose id is not a UUID. Backends that key
// messages by UUID call it before binding the id.
func requireUUID(c *Cursor) error {
	if c == nil || c.ID == "" {
		return nil
	}
	if _, err := uuid.Parse(c.ID); err != nil {
		return fmt.Errorf("%w: id %q is not a UUID", ErrInvalidCursor, c.ID)
	}
	return nil
}
