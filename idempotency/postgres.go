package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"edbase/storage"
)

// Store is the persistence surface the engine depends on.
type Store interface {
	// Get returns the unexpired record for (userID, key), or nil.
	Get(ctx context.Context, q storage.Querier, userID, key string, now time.Time) (*Record, error)
	// Acquire atomically claims the key: it inserts a fresh pending row, or
	// retakes a failed row with the same hash or any expired row. A nil Claim
	// means a live row held by another request blocked the claim.
	Acquire(ctx context.Context, q storage.Querier, userID, key, requestHash string, now, expiresAt time.Time) (*Claim, error)
	Complete(ctx context.Context, q storage.Querier, userID, key string, statusCode int, response []byte) error
	Fail(ctx context.Context, q storage.Querier, userID, key string) error
	DeleteExpired(ctx context.Context, q storage.Querier, now time.Time, limit int) (int64, error)
}

// PGStore is the Postgres-backed Store.
type PGStore struct{}

const selectKey = `
SELECT id, user_id, key, request_hash, status, status_code, response, created_at, expires_at
FROM idempotency_keys
WHERE user_id = $1 AND key = $2 AND expires_at > $3`

func (PGStore) Get(ctx context.Context, q storage.Querier, userID, key string, now time.Time) (*Record, error) {
	var (
		r          Record
		statusCode *int
		response   []byte
	)
	err := q.QueryRow(ctx, selectKey, userID, key, now).Scan(
		&r.ID, &r.UserID, &r.Key, &r.RequestHash, &r.Status,
		&statusCode, &response, &r.CreatedAt, &r.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if statusCode != nil {
		r.StatusCode = *statusCode
	}
	r.Response = response
	return &r, nil
}

// acquireKey claims the key atomically. A fresh key inserts as pending; a
// failed row with the same hash, or any expired row, is retaken wholesale.
// Live pending or completed rows, and rows with a different hash, match
// neither branch of the WHERE and return nothing, so exactly one concurrent
// claimant per key sees a row. xmax = 0 only on the insert path.
const acquireKey = `
INSERT INTO idempotency_keys (user_id, key, request_hash, status, created_at, updated_at, expires_at)
VALUES ($1, $2, $3, 'pending', $4, $4, $5)
ON CONFLICT (user_id, key) DO UPDATE SET
    status       = 'pending',
    request_hash = EXCLUDED.request_hash,
    status_code  = NULL,
    response     = NULL,
    created_at   = EXCLUDED.created_at,
    updated_at   = EXCLUDED.updated_at,
    expires_at   = EXCLUDED.expires_at
WHERE (idempotency_keys.status = 'failed' AND idempotency_keys.request_hash = EXCLUDED.request_hash)
   OR idempotency_keys.expires_at <= EXCLUDED.created_at
RETURNING status, status_code, response, (xmax = 0) AS inserted`

func (PGStore) Acquire(ctx context.Context, q storage.Querier, userID, key, requestHash string, now, expiresAt time.Time) (*Claim, error) {
	var (
		c          Claim
		statusCode *int
		response   []byte
	)
	err := q.QueryRow(ctx, acquireKey, userID, key, requestHash, now, expiresAt).
		Scan(&c.Status, &statusCode, &response, &c.Inserted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if statusCode != nil {
		c.StatusCode = *statusCode
	}
	c.Response = response
	return &c, nil
}

const completeKey = `
UPDATE idempotency_keys
SET status = 'completed', status_code = $3, response = $4, updated_at = now()
WHERE user_id = $1 AND key = $2 AND status = 'pending'`

func (PGStore) Complete(ctx context.Context, q storage.Querier, userID, key string, statusCode int, response []byte) error {
	_, err := q.Exec(ctx, completeKey, userID, key, statusCode, response)
	return err
}

const failKey = `
UPDATE idempotency_keys
SET status = 'failed', updated_at = now()
WHERE user_id = $1 AND key = $2 AND status = 'pending'`

func (PGStore) Fail(ctx context.Context, q storage.Querier, userID, key string) error {
	_, err := q.Exec(ctx, failKey, userID, key)
	return err
}

const deleteExpiredKeys = `
DELETE FROM idempotency_keys
WHERE id IN (
    SELECT id FROM idempotency_keys WHERE expires_at < $1 LIMIT $2
)`

func (PGStore) DeleteExpired(ctx context.Context, q storage.Querier, now time.Time, limit int) (int64, error) {
	tag, err := q.Exec(ctx, deleteExpiredKeys, now, limit)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
