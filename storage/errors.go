package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Sentinel errors forming the taxonomy callers branch on. Raw driver errors
// never cross the storage boundary; they are wrapped so services can use
// errors.Is without importing pgx.
var (
	// ErrNotFound reports that a query matched no rows.
	ErrNotFound = errors.New("storage: not found")
	// ErrSerialization reports a serialization failure (SQLSTATE 40001);
	// the transaction may be retried.
	ErrSerialization = errors.New("storage: serialization failure")
	// ErrQueryTimeout reports a statement cancelled by statement_timeout.
	ErrQueryTimeout = errors.New("storage: query timeout")
	// ErrConnection reports the database being unreachable.
	ErrConnection = errors.New("storage: connection failure")
	// ErrMaxRetries reports a transaction abandoned after exhausting the
	// serialization retry budget.
	ErrMaxRetries = errors.New("storage: max retries exceeded")
)

const (
	sqlstateSerializationFailure = "40001"
	sqlstateQueryCanceled        = "57014"
)

// mapError converts driver errors into the storage taxonomy. Unrecognized
// errors pass through wrapped with context.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == sqlstateSerializationFailure:
			return fmt.Errorf("%s: %w: %s", op, ErrSerialization, pgErr.Message)
		case pgErr.Code == sqlstateQueryCanceled:
			return fmt.Errorf("%s: %w: %s", op, ErrQueryTimeout, pgErr.Message)
		case strings.HasPrefix(pgErr.Code, "08"):
			return fmt.Errorf("%s: %w: %s", op, ErrConnection, pgErr.Message)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, ErrQueryTimeout)
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return fmt.Errorf("%s: %w: %v", op, ErrConnection, connectErr)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Retryable reports whether err warrants a serialization retry.
func Retryable(err error) bool {
	return errors.Is(err, ErrSerialization)
}
