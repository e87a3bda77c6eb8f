package models

import "time"

// Credential grants write access to the commons. The key is the secret
// presented by writers; the email identifies the owner.
type Credential struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Email     string    `json:"email"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}
