package crypto

import (
	"github.com/google/uuid"
)

// NewUUIDv7 generates a time-ordered UUID v7.
func NewUUIDv7() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewSessionToken returns an unguessable session token. UUID v4 draws 122
// bits from crypto/rand.
func NewSessionToken() string {
	return uuid.NewString()
}
