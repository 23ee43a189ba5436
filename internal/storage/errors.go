package storage

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrConflict is returned when a write violates a uniqueness rule,
	// such as a second active cycle or incident for one facility.
	ErrConflict = errors.New("storage: conflict")

	// ErrVersionConflict is returned when a cycle was modified by another
	// writer since it was read.
	ErrVersionConflict = errors.New("storage: version conflict")

	// ErrToolInOpenBatch is returned when a tool already belongs to another
	// open batch.
	ErrToolInOpenBatch = errors.New("storage: tool already in an open batch")
)

// isUniqueViolation reports a unique_violation, optionally on a named
// constraint or index.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
