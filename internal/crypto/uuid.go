package crypto

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewUUIDv7 generates a time-ordered UUID v7.
func NewUUIDv7() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewULID generates a lexically sortable message id.
func NewULID() string {
	return ulid.Make().String()
}

// NewCorrelationID generates an id linking a frame to its ack.
func NewCorrelationID() string {
	return uuid.NewString()
}

// NewTokenID generates a random 16-byte hex token identifier.
func NewTokenID() string {
	b := make([]byte, 16)
	// crypto/rand.Read never returns an error on supported platforms.
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
