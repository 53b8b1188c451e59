package idempotency

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"edbase/observability"
	"edbase/storage"
)

// Result is the outcome of Begin. When Replay is set the stored response
// must be returned to the client without running the operation again.
type Result struct {
	Replay     bool
	StatusCode int
	Response   []byte
}

// Engine drives the three-step protocol: check, acquire, finalize.
type Engine struct {
	store Store
	db    storage.Querier
	tx    storage.Transactor
	log   *slog.Logger
	nowFn func() time.Time
}

// NewEngine wires an engine over the default Querier. The Transactor runs
// each operation together with its finalization.
func NewEngine(store Store, db storage.Querier, tx storage.Transactor, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{store: store, db: db, tx: tx, log: log, nowFn: time.Now}
}

// Begin decides whether the operation may run. Exactly one concurrent
// caller per (user, key) acquires the lock; completed keys replay their
// cached response, mismatched hashes conflict, and in-flight keys tell the
// caller to retry later.
func (e *Engine) Begin(ctx context.Context, userID, key, requestHash string) (*Result, error) {
	now := e.nowFn().UTC()

	existing, err := e.store.Get(ctx, e.db, userID, key, now)
	if err != nil {
		return nil, fmt.Errorf("idempotency check: %w", err)
	}
	if existing != nil {
		if res, err := e.resolve(ctx, existing, userID, key, requestHash); res != nil || err != nil {
			return res, err
		}
		// Failed keys fall through to re-acquire.
	}

	claim, err := e.store.Acquire(ctx, e.db, userID, key, requestHash, now, now.Add(KeyTTL))
	if err != nil {
		return nil, fmt.Errorf("idempotency acquire: %w", err)
	}
	if claim == nil {
		// A live row arrived between the check and the claim; that row
		// decides the outcome, not this request.
		current, err := e.store.Get(ctx, e.db, userID, key, now)
		if err != nil {
			return nil, fmt.Errorf("idempotency recheck: %w", err)
		}
		if current != nil {
			if res, err := e.resolve(ctx, current, userID, key, requestHash); res != nil || err != nil {
				return res, err
			}
		}
		observability.Consistency().RecordIdempotencyOutcome("in_flight")
		return nil, ErrInFlight
	}
	observability.Consistency().RecordIdempotencyOutcome("proceed")
	return &Result{}, nil
}

// resolve maps a live record to its terminal outcome: conflict on hash
// mismatch, replay when completed, in-flight while pending. Failed records
// return (nil, nil) so the caller may retake them.
func (e *Engine) resolve(ctx context.Context, rec *Record, userID, key, requestHash string) (*Result, error) {
	if rec.RequestHash != requestHash {
		e.log.WarnContext(ctx, "idempotency key reused with different payload",
			"key", key, "user_id", userID)
		observability.Consistency().RecordIdempotencyOutcome("conflict")
		return nil, ErrConflict
	}
	switch rec.Status {
	case StatusCompleted:
		e.log.InfoContext(ctx, "replaying cached idempotent response", "key", key)
		observability.Consistency().RecordIdempotencyOutcome("replay")
		return &Result{Replay: true, StatusCode: rec.StatusCode, Response: rec.Response}, nil
	case StatusPending:
		observability.Consistency().RecordIdempotencyOutcome("in_flight")
		return nil, ErrInFlight
	}
	return nil, nil
}

// Complete caches the successful response for future replays.
func (e *Engine) Complete(ctx context.Context, userID, key string, statusCode int, response []byte) error {
	if err := e.store.Complete(ctx, e.db, userID, key, statusCode, response); err != nil {
		return fmt.Errorf("idempotency complete: %w", err)
	}
	return nil
}

// Fail releases the key for retry. A failure to record the failure is
// logged but not propagated: the original operation error matters more.
func (e *Engine) Fail(ctx context.Context, userID, key string) {
	if err := e.store.Fail(ctx, e.db, userID, key); err != nil {
		e.log.ErrorContext(ctx, "failed to mark idempotency key failed",
			"key", key, "error", err)
	}
}

// Run executes fn under the key. Replays return the cached response without
// invoking fn. fn receives the transaction its writes must ride on: the
// cached response commits in that same transaction, so the operation's state
// change and its replay record persist together or not at all. An error from
// fn rolls everything back and releases the key for a later retry.
func (e *Engine) Run(ctx context.Context, userID, key, requestHash string, fn func(ctx context.Context, q storage.Querier) (int, []byte, error)) (*Result, error) {
	res, err := e.Begin(ctx, userID, key, requestHash)
	if err != nil {
		return nil, err
	}
	if res.Replay {
		return res, nil
	}

	var statusCode int
	var body []byte
	err = e.tx.WithRetry(ctx, func(ctx context.Context) error {
		return e.tx.Transact(ctx, storage.TxOptions{Isolation: storage.Serializable}, func(q storage.Querier) error {
			code, out, fnErr := fn(ctx, q)
			if fnErr != nil {
				return fnErr
			}
			statusCode, body = code, out
			if err := e.store.Complete(ctx, q, userID, key, statusCode, body); err != nil {
				return fmt.Errorf("idempotency complete: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		e.Fail(ctx, userID, key)
		return nil, err
	}
	return &Result{StatusCode: statusCode, Response: body}, nil
}

const cleanupBatchSize = 1000

// Cleanup deletes expired keys in batches and returns the total removed.
func (e *Engine) Cleanup(ctx context.Context) (int64, error) {
	now := e.nowFn().UTC()
	var total int64
	for {
		n, err := e.store.DeleteExpired(ctx, e.db, now, cleanupBatchSize)
		if err != nil {
			return total, fmt.Errorf("idempotency cleanup: %w", err)
		}
		total += n
		if n < cleanupBatchSize {
			e.log.InfoContext(ctx, "expired idempotency keys removed", "count", total)
			return total, nil
		}
	}
}
