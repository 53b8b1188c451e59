package payments

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"edbase/storage"
)

// Store is the persistence surface the engine depends on.
type Store interface {
	Insert(ctx context.Context, q storage.Querier, p *Payment) error
	Get(ctx context.Context, q storage.Querier, id string) (*Payment, error)
	// UpdateStatus applies from → to and reports whether a row changed.
	// Zero rows means the payment was missing or not in the expected state.
	UpdateStatus(ctx context.Context, q storage.Querier, id string, from, to Status, gatewayRef, failureReason string, at time.Time) (bool, error)
	ListForTeam(ctx context.Context, q storage.Querier, teamID string, before time.Time, beforeID string, limit int) ([]Payment, error)
}

// PGStore is the Postgres-backed Store.
type PGStore struct{}

const insertPayment = `
INSERT INTO payments (
    id, user_id, team_id, idempotency_key, amount_cents, currency,
    status, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`

func (PGStore) Insert(ctx context.Context, q storage.Querier, p *Payment) error {
	_, err := q.Exec(ctx, insertPayment,
		p.ID, p.UserID, p.TeamID, p.IdempotencyKey,
		p.AmountCents, p.Currency, string(p.Status), p.CreatedAt)
	return err
}

const selectPayment = `
SELECT id, user_id, team_id, idempotency_key, amount_cents, currency,
       status, gateway_ref, failure_reason, created_at, updated_at
FROM payments
WHERE id = $1`

func (PGStore) Get(ctx context.Context, q storage.Querier, id string) (*Payment, error) {
	return scanPayment(q.QueryRow(ctx, selectPayment, id))
}

// updateStatus is the guarded transition: the WHERE clause carries the
// expected current state, so a lost race surfaces as zero rows affected
// instead of a silently clobbered status.
const updateStatus = `
UPDATE payments
SET status = $3,
    gateway_ref = COALESCE($4, gateway_ref),
    failure_reason = COALESCE($5, failure_reason),
    updated_at = $6
WHERE id = $1 AND status = $2`

func (PGStore) UpdateStatus(ctx context.Context, q storage.Querier, id string, from, to Status, gatewayRef, failureReason string, at time.Time) (bool, error) {
	tag, err := q.Exec(ctx, updateStatus,
		id, string(from), string(to),
		emptyToNull(gatewayRef), emptyToNull(failureReason), at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

const listForTeam = `
SELECT id, user_id, team_id, idempotency_key, amount_cents, currency,
       status, gateway_ref, failure_reason, created_at, updated_at
FROM payments
WHERE team_id = $1
  AND (created_at, id) < ($2, $3)
ORDER BY created_at DESC, id DESC
LIMIT $4`

func (PGStore) ListForTeam(ctx context.Context, q storage.Querier, teamID string, before time.Time, beforeID string, limit int) ([]Payment, error) {
	rows, err := q.Query(ctx, listForTeam, teamID, before, beforeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Payment
	for rows.Next() {
		p, err := scanPaymentRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*Payment, error) {
	p, err := scanPaymentRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

func scanPaymentRow(row rowScanner) (*Payment, error) {
	var (
		p             Payment
		status        string
		gatewayRef    *string
		failureReason *string
	)
	err := row.Scan(&p.ID, &p.UserID, &p.TeamID, &p.IdempotencyKey,
		&p.AmountCents, &p.Currency, &status,
		&gatewayRef, &failureReason, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Status = Status(status)
	if gatewayRef != nil {
		p.GatewayRef = *gatewayRef
	}
	if failureReason != nil {
		p.FailureReason = *failureReason
	}
	return &p, nil
}

func emptyToNull(s string) any {
	if s == "" {
		return nil
	}
	return s
}
