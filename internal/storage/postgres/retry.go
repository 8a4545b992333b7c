package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes worth one more attempt.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

const retryDelay = 50 * time.Millisecond

// isTransient reports whether err is safe to retry: the statement never
// reached the server, or the server aborted it for a serialization
// conflict or deadlock.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected
	}
	return false
}

// withRetry runs op, retrying once after a short delay on a transient error.
func withRetry(ctx context.Context, op func() error) error {
	err := op()
	if !isTransient(err) {
		return err
	}
	select {
	case <-ctx.Done():
		return err
	case <-time.After(retryDelay):
	}
	return op()
}
