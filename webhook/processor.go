package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"edbase/audit"
	"edbase/observability"
	"edbase/storage"
)

// Event is the provider-agnostic webhook envelope.
type Event struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Disposition is the outcome of handling a delivery.
type Disposition string

const (
	// Processed: first delivery, handler ran, everything committed.
	Processed Disposition = "processed"
	// Duplicate: the webhook id was seen before; acknowledged with no
	// side effects so the provider stops retrying.
	Duplicate Disposition = "duplicate"
	// Unhandled: no handler is registered for the event type; recorded
	// and acknowledged.
	Unhandled Disposition = "unhandled"
)

var (
	// ErrUnknownProvider reports a delivery for a provider without a
	// configured secret.
	ErrUnknownProvider = errors.New("webhook: unknown provider")
	// ErrPayload reports an envelope missing its id or type.
	ErrPayload = errors.New("webhook: invalid payload")
)

// Store persists processed-webhook markers.
type Store interface {
	// Record inserts the dedup marker and reports whether this delivery
	// is the first. First write wins; later deliveries see false.
	Record(ctx context.Context, q storage.Querier, webhookID, provider, eventType string, at time.Time) (bool, error)
}

// PGStore is the Postgres-backed Store.
type PGStore struct{}

const recordWebhook = `
INSERT INTO processed_webhooks (webhook_id, provider, event_type, processed_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (webhook_id, provider) DO NOTHING`

func (PGStore) Record(ctx context.Context, q storage.Querier, webhookID, provider, eventType string, at time.Time) (bool, error) {
	tag, err := q.Exec(ctx, recordWebhook, webhookID, provider, eventType, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// HandlerFunc processes one event on the processor's transaction. Returning
// an error rolls everything back, dedup marker included, so the provider's
// retry gets a clean attempt.
type HandlerFunc func(ctx context.Context, q storage.Querier, event Event) error

// Processor verifies and dispatches inbound webhooks.
type Processor struct {
	secrets   map[string]string
	tolerance time.Duration
	store     Store
	tx        storage.Transactor
	recorder  *audit.Recorder
	handlers  map[string]HandlerFunc
	log       *slog.Logger
	nowFn     func() time.Time
}

// NewProcessor wires a processor. secrets maps provider name to signing
// secret.
func NewProcessor(secrets map[string]string, tolerance time.Duration, store Store, tx storage.Transactor, recorder *audit.Recorder, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		secrets:   secrets,
		tolerance: tolerance,
		store:     store,
		tx:        tx,
		recorder:  recorder,
		handlers:  make(map[string]HandlerFunc),
		log:       log,
		nowFn:     time.Now,
	}
}

// On registers the handler for an event type.
func (p *Processor) On(eventType string, fn HandlerFunc) {
	p.handlers[eventType] = fn
}

// Handle verifies the delivery and runs it exactly once. Signature and
// envelope failures return before anything is written.
func (p *Processor) Handle(ctx context.Context, provider string, payload []byte, sigHeader string) (Disposition, error) {
	secret, ok := p.secrets[provider]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	now := p.nowFn()
	if err := VerifySignature(secret, sigHeader, payload, now, p.tolerance); err != nil {
		p.log.WarnContext(ctx, "webhook signature rejected",
			"provider", provider, "error", err)
		observability.Consistency().RecordWebhook(provider, "invalid_signature")
		return "", err
	}

	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return "", fmt.Errorf("%w: %w", ErrPayload, err)
	}
	if event.ID == "" || event.Type == "" {
		return "", fmt.Errorf("%w: missing id or type", ErrPayload)
	}

	disposition := Processed
	err := p.tx.Transact(ctx, storage.TxOptions{Isolation: storage.ReadCommitted}, func(q storage.Querier) error {
		fresh, err := p.store.Record(ctx, q, event.ID, provider, event.Type, now.UTC())
		if err != nil {
			return fmt.Errorf("record webhook: %w", err)
		}
		if !fresh {
			disposition = Duplicate
			p.log.InfoContext(ctx, "duplicate webhook acknowledged",
				"provider", provider, "webhook_id", event.ID)
			_, err := p.recorder.Append(ctx, q, audit.Entry{
				EventType:    audit.EventWebhookDuplicate,
				ActorType:    audit.ActorWebhook,
				ResourceType: "webhook",
				ResourceID:   event.ID,
				Action:       "dedup",
				Metadata:     map[string]any{"provider": provider, "event_type": event.Type},
			})
			return err
		}

		handler, registered := p.handlers[event.Type]
		if !registered {
			disposition = Unhandled
			p.log.DebugContext(ctx, "no handler for webhook event type",
				"provider", provider, "event_type", event.Type)
		} else if err := handler(ctx, q, event); err != nil {
			return err
		}

		_, err = p.recorder.Append(ctx, q, audit.Entry{
			EventType:    audit.EventWebhookReceived,
			ActorType:    audit.ActorWebhook,
			ResourceType: "webhook",
			ResourceID:   event.ID,
			Action:       "process",
			Metadata: map[string]any{
				"provider":   provider,
				"event_type": event.Type,
				"handled":    registered,
			},
		})
		return err
	})
	if err != nil {
		observability.Consistency().RecordWebhook(provider, "error")
		return "", err
	}
	observability.Consistency().RecordWebhook(provider, string(disposition))
	return disposition, nil
}
