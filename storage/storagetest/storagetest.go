// Package storagetest provides no-op storage doubles for service tests that
// run against in-memory stores.
package storagetest

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"edbase/storage"
)

// Querier accepts every statement and returns empty results.
type Querier struct{}

func (Querier) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (Querier) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, pgx.ErrNoRows
}

func (Querier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return row{}
}

type row struct{}

func (row) Scan(dest ...any) error { return nil }

// Transactor runs transaction bodies directly against a Querier. Retry
// semantics mirror the real client without backoff.
type Transactor struct {
	Q storage.Querier

	// Transactions counts Transact invocations.
	Transactions int
}

// NewTransactor returns a Transactor over a no-op Querier.
func NewTransactor() *Transactor {
	return &Transactor{Q: Querier{}}
}

func (t *Transactor) Transact(ctx context.Context, opts storage.TxOptions, fn func(q storage.Querier) error) error {
	t.Transactions++
	return fn(t.Q)
}

func (t *Transactor) WithRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < 4; attempt++ {
		if err = fn(ctx); err == nil || !storage.Retryable(err) {
			return err
		}
	}
	return err
}
