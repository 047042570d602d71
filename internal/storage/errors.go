package storage

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrAlreadyValidated is returned when a response is stored for an inference
// that already has one.
var ErrAlreadyValidated = errors.New("storage: inference response already validated")

// ErrDuplicate is returned on a unique constraint violation.
var ErrDuplicate = errors.New("storage: duplicate key")

// ErrKeyLimit is returned when creating an API key would exceed the active key cap.
var ErrKeyLimit = errors.New("storage: active API key limit reached")

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isUniqueViolation(err error) bool {
	return pgCode(err) == "23505"
}

func isForeignKeyViolation(err error) bool {
	return pgCode(err) == "23503"
}
