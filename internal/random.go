package internal

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewJTI returns a random UUIDv4 token identifier.
func NewJTI() string {
	return uuid.NewString()
}

// NewRecordID returns a time-ordered ULID for a session record.
func NewRecordID() string {
	return ulid.Make().String()
}
