package db

import (
	"errors"

	"go.uber.org/zap"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Repository handles database operations for leases, slot positions, and
// notification requests. All exclusivity invariants are enforced by the
// store's partial unique indexes, never by check-then-act in application code.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository.
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}
