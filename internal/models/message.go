package models

import "time"

// Role identifies who authored a message. The set is closed.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// MaxContentBytes bounds the length of message content.
const MaxContentBytes = 16384

// Roles lists every accepted role in a stable order.
var Roles = []Role{RoleUser, RoleAssistant, RoleSystem, RoleTool}

// Valid reports whether r is one of the accepted roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

// Message represents an immutable commons entry.
type Message struct {
	ID           string         `json:"id"`
	Role         Role           `json:"role"`
	Content      string         `json:"content"`
	Meta         map[string]any `json:"meta"`
	CreatedAt    time.Time      `json:"created_at"`
	CredentialID string         `json:"api_key_id"`
}

// Before reports whether m sorts after other in the commons order
// (created_at descending, id descending), i.e. m is older.
func (m *Message) Before(other *Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}
