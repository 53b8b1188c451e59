package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"edbase/observability"
)

// Querier is the subset of pgx shared by pools and transactions. Services
// accept a Querier so the same statement can run standalone or inside a
// caller-owned transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// IsolationLevel selects the transaction isolation for Transact.
type IsolationLevel string

const (
	Serializable   IsolationLevel = "serializable"
	RepeatableRead IsolationLevel = "repeatable_read"
	ReadCommitted  IsolationLevel = "read_committed"
)

func (l IsolationLevel) txIso() pgx.TxIsoLevel {
	switch l {
	case Serializable:
		return pgx.Serializable
	case RepeatableRead:
		return pgx.RepeatableRead
	default:
		return pgx.ReadCommitted
	}
}

// TxOptions configures a transaction started by Transact.
type TxOptions struct {
	Isolation IsolationLevel
	ReadOnly  bool
}

// PoolConfig bounds the connection pool.
type PoolConfig struct {
	DSN              string
	MinConns         int32
	MaxConns         int32
	MaxConnIdleTime  time.Duration
	MaxConnLifetime  time.Duration
	ConnectTimeout   time.Duration
	StatementTimeout time.Duration
}

const (
	maxRetries   = 3
	retryBackoff = 100 * time.Millisecond
)

// Client wraps a pgx pool with the error taxonomy, isolation-aware
// transactions, and serialization retry.
type Client struct {
	pool    *pgxpool.Pool
	log     *slog.Logger
	sleepFn func(context.Context, time.Duration) error
}

// New connects a pool using the supplied bounds. Every connection carries a
// server-side statement_timeout so a stuck query cannot hold a pool slot
// indefinitely.
func New(ctx context.Context, cfg PoolConfig, log *slog.Logger) (*Client, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.StatementTimeout > 0 {
		poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.FormatInt(cfg.StatementTimeout.Milliseconds(), 10)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, mapError("connect", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, mapError("ping", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{pool: pool, log: log, sleepFn: sleepCtx}, nil
}

// Pool exposes the underlying pool as a Querier for single statements.
func (c *Client) Pool() Querier { return c.pool }

// Close releases all pool connections.
func (c *Client) Close() {
	if c != nil && c.pool != nil {
		c.pool.Close()
	}
}

// Transactor abstracts transaction execution so services can be exercised
// against in-memory stores in tests.
type Transactor interface {
	Transact(ctx context.Context, opts TxOptions, fn func(q Querier) error) error
	WithRetry(ctx context.Context, fn func(ctx context.Context) error) error
}

// Transact runs fn inside a transaction at the requested isolation level.
// The transaction is rolled back when fn returns an error or panics; the
// panic is re-raised after rollback.
func (c *Client) Transact(ctx context.Context, opts TxOptions, fn func(q Querier) error) error {
	access := pgx.ReadWrite
	if opts.ReadOnly {
		access = pgx.ReadOnly
	}
	tx, err := c.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: opts.Isolation.txIso(), AccessMode: access})
	if err != nil {
		return mapError("begin", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return mapError("tx", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError("commit", err)
	}
	return nil
}

// WithRetry runs fn, retrying up to three times when it fails with a
// serialization error. Backoff doubles from 100ms per attempt. Any other
// error returns immediately.
func (c *Client) WithRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			observability.Consistency().RecordRetry()
			backoff := retryBackoff * time.Duration(1<<(attempt-1))
			c.log.WarnContext(ctx, "retrying after serialization failure",
				"attempt", attempt, "backoff", backoff.String())
			if err := c.sleepFn(ctx, backoff); err != nil {
				return err
			}
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !Retryable(lastErr) {
			return lastErr
		}
	}
	observability.Consistency().RecordRetryExhausted()
	return fmt.Errorf("%w after %d attempts: %w", ErrMaxRetries, maxRetries+1, lastErr)
}

// WithSavepoint runs fn under a named savepoint so its writes can be rolled
// back without aborting the enclosing transaction. The Querier must belong
// to an open transaction.
func WithSavepoint(ctx context.Context, q Querier, name string, fn func() error) error {
	ident := pgx.Identifier{name}.Sanitize()
	if _, err := q.Exec(ctx, "SAVEPOINT "+ident); err != nil {
		return mapError("savepoint", err)
	}
	if err := fn(); err != nil {
		if _, rbErr := q.Exec(ctx, "ROLLBACK TO SAVEPOINT "+ident); rbErr != nil {
			return mapError("rollback to savepoint", rbErr)
		}
		return err
	}
	if _, err := q.Exec(ctx, "RELEASE SAVEPOINT "+ident); err != nil {
		return mapError("release savepoint", err)
	}
	return nil
}

// HealthStatus reports database reachability and round-trip latency.
type HealthStatus struct {
	Healthy   bool
	LatencyMS float64
}

// Health probes the database with a trivial query.
func (c *Client) Health(ctx context.Context) HealthStatus {
	start := time.Now()
	var one int
	err := c.pool.QueryRow(ctx, "SELECT 1").Scan(&one)
	latency := float64(time.Since(start).Microseconds()) / 1000.0
	if err != nil {
		c.log.WarnContext(ctx, "database health probe failed", "error", err)
		return HealthStatus{Healthy: false, LatencyMS: latency}
	}
	return HealthStatus{Healthy: true, LatencyMS: latency}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
