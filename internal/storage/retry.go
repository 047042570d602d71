package storage

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// lockTimeout bounds how long a write waits on a row lock before failing with
// lock_not_available, which WithRetry treats as transient.
const lockTimeout = "2s"

// isRetriable reports whether err is a transient conflict that a fresh
// transaction can be expected to clear: concurrent response validations
// contending for the inference row lock, metric result upserts and trace
// metadata refreshes deadlocking each other, or a connection that dropped
// before anything was sent.
func isRetriable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return pgconn.SafeToRetry(err)
	}
	switch pgErr.Code {
	case "40001": // serialization_failure
		return true
	case "40P01": // deadlock_detected
		return true
	case "55P03": // lock_not_available
		return true
	default:
		return false
	}
}

// WithRetry runs the transactional write op, retrying up to maxRetries times
// on transient conflicts. Retries use jittered exponential backoff starting at
// baseDelay and are logged with the operation name.
func WithRetry(ctx context.Context, logger *slog.Logger, op string, maxRetries int, baseDelay time.Duration, fn func() error) error {
	var err error
	for attempt := range maxRetries + 1 {
		err = fn()
		if err == nil || !isRetriable(err) {
			return err
		}
		if attempt == maxRetries {
			break
		}
		jitter := time.Duration(rand.Int64N(int64(baseDelay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		logger.Warn("storage: retrying write", "op", op, "attempt", attempt+1, "delay", baseDelay+jitter, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(baseDelay + jitter):
		}
		baseDelay *= 2
	}
	logger.Error("storage: write retries exhausted", "op", op, "attempts", maxRetries+1, "error", err)
	return err
}
