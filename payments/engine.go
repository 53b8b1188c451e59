package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"edbase/audit"
	"edbase/crypto"
	"edbase/observability"
	"edbase/storage"
)

// Actor identifies who drives a transition, for the audit trail.
type Actor struct {
	Type string
	ID   string
}

// Engine executes payment operations. Money-moving writes run under
// SERIALIZABLE isolation with automatic retry, and every transition commits
// together with its audit row.
type Engine struct {
	store        Store
	db           storage.Querier
	tx           storage.Transactor
	recorder     *audit.Recorder
	cursorSecret string
	log          *slog.Logger
	nowFn        func() time.Time
}

// NewEngine wires an engine.
func NewEngine(store Store, db storage.Querier, tx storage.Transactor, recorder *audit.Recorder, cursorSecret string, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store: store, db: db, tx: tx, recorder: recorder,
		cursorSecret: cursorSecret, log: log, nowFn: time.Now,
	}
}

// Create records a new pending payment in its own transaction.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*Payment, error) {
	var p *Payment
	err := e.tx.WithRetry(ctx, func(ctx context.Context) error {
		return e.tx.Transact(ctx, storage.TxOptions{Isolation: storage.Serializable}, func(q storage.Querier) error {
			var err error
			p, err = e.CreateOn(ctx, q, req)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// CreateOn records a new pending payment on a caller-owned transaction, used
// by the idempotency layer so the payment commits together with its cached
// response.
func (e *Engine) CreateOn(ctx context.Context, q storage.Querier, req CreateRequest) (*Payment, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	now := e.nowFn().UTC()
	p := &Payment{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		TeamID:         req.TeamID,
		IdempotencyKey: req.IdempotencyKey,
		AmountCents:    req.AmountCents,
		Currency:       req.Currency,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := e.store.Insert(ctx, q, p); err != nil {
		return nil, fmt.Errorf("insert payment: %w", err)
	}
	if _, err := e.recorder.Append(ctx, q, audit.Entry{
		EventType:    audit.EventPaymentInitiated,
		ActorType:    audit.ActorUser,
		ActorID:      req.UserID,
		TeamID:       req.TeamID,
		ResourceType: "payment",
		ResourceID:   p.ID,
		Action:       "create",
		Metadata: map[string]any{
			"amount_cents": req.AmountCents,
			"currency":     req.Currency,
		},
	}); err != nil {
		return nil, err
	}
	e.log.InfoContext(ctx, "payment created",
		"payment_id", p.ID, "team_id", p.TeamID, "amount_cents", p.AmountCents)
	return p, nil
}

// Complete moves PENDING → COMPLETED, recording the gateway reference.
// Completing an already completed payment with the same reference is a
// no-op success so gateway retries stay harmless.
func (e *Engine) Complete(ctx context.Context, id, gatewayRef string, actor Actor) error {
	return e.transition(ctx, id, StatusPending, StatusCompleted, gatewayRef, "", actor,
		audit.EventPaymentCompleted, map[string]any{"gateway_ref": gatewayRef})
}

// Fail moves PENDING → FAILED with a reason.
func (e *Engine) Fail(ctx context.Context, id, reason string, actor Actor) error {
	return e.transition(ctx, id, StatusPending, StatusFailed, "", reason, actor,
		audit.EventPaymentFailed, map[string]any{"reason": reason})
}

// Cancel moves PENDING → CANCELLED.
func (e *Engine) Cancel(ctx context.Context, id string, actor Actor) error {
	return e.transition(ctx, id, StatusPending, StatusCancelled, "", "", actor,
		audit.EventPaymentCancelled, nil)
}

// Refund moves COMPLETED → REFUNDED with a reason.
func (e *Engine) Refund(ctx context.Context, id, reason string, actor Actor) error {
	return e.transition(ctx, id, StatusCompleted, StatusRefunded, "", reason, actor,
		audit.EventPaymentRefunded, map[string]any{"reason": reason})
}

// CompleteOn is Complete running on a caller-owned transaction, used by the
// webhook processor so the transition commits with the dedup record.
func (e *Engine) CompleteOn(ctx context.Context, q storage.Querier, id, gatewayRef string, actor Actor) error {
	return e.transitionOn(ctx, q, id, StatusPending, StatusCompleted, gatewayRef, "", actor,
		audit.EventPaymentCompleted, map[string]any{"gateway_ref": gatewayRef})
}

// FailOn is Fail running on a caller-owned transaction.
func (e *Engine) FailOn(ctx context.Context, q storage.Querier, id, reason string, actor Actor) error {
	return e.transitionOn(ctx, q, id, StatusPending, StatusFailed, "", reason, actor,
		audit.EventPaymentFailed, map[string]any{"reason": reason})
}

// RefundOn is Refund running on a caller-owned transaction.
func (e *Engine) RefundOn(ctx context.Context, q storage.Querier, id, reason string, actor Actor) error {
	return e.transitionOn(ctx, q, id, StatusCompleted, StatusRefunded, "", reason, actor,
		audit.EventPaymentRefunded, map[string]any{"reason": reason})
}

func (e *Engine) transition(ctx context.Context, id string, from, to Status, gatewayRef, failureReason string, actor Actor, eventType string, metadata map[string]any) error {
	return e.tx.WithRetry(ctx, func(ctx context.Context) error {
		return e.tx.Transact(ctx, storage.TxOptions{Isolation: storage.Serializable}, func(q storage.Querier) error {
			return e.transitionOn(ctx, q, id, from, to, gatewayRef, failureReason, actor, eventType, metadata)
		})
	})
}

func (e *Engine) transitionOn(ctx context.Context, q storage.Querier, id string, from, to Status, gatewayRef, failureReason string, actor Actor, eventType string, metadata map[string]any) error {
	applied, err := e.store.UpdateStatus(ctx, q, id, from, to, gatewayRef, failureReason, e.nowFn().UTC())
	if err != nil {
		return fmt.Errorf("update payment status: %w", err)
	}
	observability.Consistency().RecordTransition(string(to), applied)
	if !applied {
		current, err := e.store.Get(ctx, q, id)
		if err != nil {
			return err
		}
		if current.Status == to {
			if to == StatusCompleted && current.GatewayRef != gatewayRef {
				return &InvalidTransitionError{From: current.Status, To: to}
			}
			e.log.InfoContext(ctx, "payment transition already applied",
				"payment_id", id, "status", string(to))
			return nil
		}
		return &InvalidTransitionError{From: current.Status, To: to}
	}

	_, err = e.recorder.Append(ctx, q, audit.Entry{
		EventType:    eventType,
		ActorType:    actor.Type,
		ActorID:      actor.ID,
		ResourceType: "payment",
		ResourceID:   id,
		Action:       "transition",
		Metadata:     metadata,
	})
	return err
}

// Get fetches one payment.
func (e *Engine) Get(ctx context.Context, id string) (*Payment, error) {
	return e.store.Get(ctx, e.db, id)
}

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

// A far-future sentinel used for the first page so the keyset predicate
// stays uniform across pages.
var firstPageBefore = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

const firstPageBeforeID = "ffffffff-ffff-ffff-ffff-ffffffffffff"

// ListForTeam pages a team's payments newest-first using a signed keyset
// cursor. An invalid cursor is a client error, not a server fault.
func (e *Engine) ListForTeam(ctx context.Context, teamID, cursor string, limit int) ([]Payment, string, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	before, beforeID := firstPageBefore, firstPageBeforeID
	if cursor != "" {
		data, err := crypto.VerifyCursor(e.cursorSecret, cursor)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %w", ErrValidation, err)
		}
		rawAt, _ := data["created_at"].(string)
		rawID, _ := data["id"].(string)
		at, parseErr := time.Parse(time.RFC3339Nano, rawAt)
		if parseErr != nil || rawID == "" {
			return nil, "", fmt.Errorf("%w: %w", ErrValidation, crypto.ErrCursorInvalid)
		}
		before, beforeID = at, rawID
	}

	page, err := e.store.ListForTeam(ctx, e.db, teamID, before, beforeID, limit)
	if err != nil {
		return nil, "", fmt.Errorf("list payments: %w", err)
	}
	if len(page) < limit {
		return page, "", nil
	}

	last := page[len(page)-1]
	next, err := crypto.SignCursor(e.cursorSecret, map[string]any{
		"created_at": last.CreatedAt.UTC().Format(time.RFC3339Nano),
		"id":         last.ID,
	})
	if err != nil {
		return nil, "", fmt.Errorf("sign cursor: %w", err)
	}
	return page, next, nil
}

// IsNotFound reports whether err is the missing-payment case.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
