package store

import "github.com/google/uuid"

// NewID returns a fresh identifier for any entity this package
// persists, the same role uuid.New().String() plays in the teacher's
// session and stage creation paths.
func NewID() string {
	return uuid.New().String()
}
