package auth

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"edbase/storage"
)

// Lockout is the failed-attempt state for one account key.
type Lockout struct {
	Attempts      int
	FirstFailedAt time.Time
	LockedUntil   time.Time
}

// Locked reports whether the account is locked at now.
func (l Lockout) Locked(now time.Time) bool {
	return now.Before(l.LockedUntil)
}

// LockoutStore persists failed-attempt counters keyed by hashed email.
type LockoutStore interface {
	// Status returns the current lockout row; a missing row is a zero
	// Lockout, not an error.
	Status(ctx context.Context, q storage.Querier, key string) (Lockout, error)
	// RecordFailure bumps the counter, restarting it when the first
	// failure predates windowStart. Returns the attempt count inside the
	// current window.
	RecordFailure(ctx context.Context, q storage.Querier, key string, at, windowStart time.Time) (int, error)
	// Lock sets the unlock time for the key.
	Lock(ctx context.Context, q storage.Querier, key string, until time.Time) error
	// Reset clears the counter after a successful login.
	Reset(ctx context.Context, q storage.Querier, key string) error
}

// PGLockoutStore is the Postgres-backed LockoutStore.
type PGLockoutStore struct{}

const selectLockout = `
SELECT failed_attempts, first_failed_at, locked_until
FROM account_lockouts
WHERE user_key = $1`

func (PGLockoutStore) Status(ctx context.Context, q storage.Querier, key string) (Lockout, error) {
	var (
		l           Lockout
		lockedUntil *time.Time
	)
	err := q.QueryRow(ctx, selectLockout, key).Scan(&l.Attempts, &l.FirstFailedAt, &lockedUntil)
	if errors.Is(err, pgx.ErrNoRows) {
		return Lockout{}, nil
	}
	if err != nil {
		return Lockout{}, err
	}
	if lockedUntil != nil {
		l.LockedUntil = *lockedUntil
	}
	return l, nil
}

const recordFailure = `
INSERT INTO account_lockouts (user_key, failed_attempts, first_failed_at, locked_until)
VALUES ($1, 1, $2, NULL)
ON CONFLICT (user_key) DO UPDATE SET
    failed_attempts = CASE WHEN account_lockouts.first_failed_at < $3 THEN 1
                           ELSE account_lockouts.failed_attempts + 1 END,
    first_failed_at = CASE WHEN account_lockouts.first_failed_at < $3 THEN $2
                           ELSE account_lockouts.first_failed_at END,
    locked_until    = CASE WHEN account_lockouts.first_failed_at < $3 THEN NULL
                           ELSE account_lockouts.locked_until END
RETURNING failed_attempts`

func (PGLockoutStore) RecordFailure(ctx context.Context, q storage.Querier, key string, at, windowStart time.Time) (int, error) {
	var attempts int
	err := q.QueryRow(ctx, recordFailure, key, at, windowStart).Scan(&attempts)
	return attempts, err
}

const lockAccount = `
UPDATE account_lockouts SET locked_until = $2 WHERE user_key = $1`

func (PGLockoutStore) Lock(ctx context.Context, q storage.Querier, key string, until time.Time) error {
	_, err := q.Exec(ctx, lockAccount, key, until)
	return err
}

const resetLockout = `
DELETE FROM account_lockouts WHERE user_key = $1`

func (PGLockoutStore) Reset(ctx context.Context, q storage.Querier, key string) error {
	_, err := q.Exec(ctx, resetLockout, key)
	return err
}
