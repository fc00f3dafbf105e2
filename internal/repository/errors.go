package repository

import (
	"errors"
	"strings"
)

// Common repository errors that can be checked with errors.Is()
var (
	// ErrNotFound is returned when an entity is not found
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicate is returned when attempting to create an entity that already exists
	ErrDuplicate = errors.New("entity already exists")

	// ErrConflict is returned when a write would break a relationship
	// invariant, such as linking a second subnet to a BVI interface
	ErrConflict = errors.New("entity conflict")

	// ErrInvalidEntity is returned when an entity fails validation
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrOperationNotSupported is returned when an operation is not supported
	ErrOperationNotSupported = errors.New("operation not supported")
)

// uniqueViolation reports whether err is a SQLite UNIQUE constraint failure,
// and on which columns.
func uniqueViolation(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	const marker = "UNIQUE constraint failed:"
	msg := err.Error()
	i := strings.Index(msg, marker)
	if i < 0 {
		return "", false
	}
	cols := strings.TrimSpace(msg[i+len(marker):])
	if j := strings.IndexAny(cols, " ("); j >= 0 {
		cols = cols[:j]
	}
	return cols, true
}
