package webhook

import (
	"context"
	"encoding/json"
	"fmt"

	"edbase/audit"
	"edbase/payments"
	"edbase/storage"
)

// Event types delivered by the payment gateway.
const (
	EventPaymentSucceeded = "payment_intent.succeeded"
	EventPaymentFailed    = "payment_intent.payment_failed"
	EventChargeRefunded   = "charge.refunded"
)

// paymentEventData is the slice of the gateway payload the handlers need.
// The platform payment id travels in the object metadata.
type paymentEventData struct {
	Object struct {
		ID       string `json:"id"`
		Metadata struct {
			PaymentID string `json:"payment_id"`
		} `json:"metadata"`
		LastPaymentError struct {
			Message string `json:"message"`
		} `json:"last_payment_error"`
	} `json:"object"`
}

func parsePaymentEvent(event Event) (*paymentEventData, error) {
	var data paymentEventData
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPayload, err)
	}
	if data.Object.Metadata.PaymentID == "" {
		return nil, fmt.Errorf("%w: missing payment_id metadata", ErrPayload)
	}
	return &data, nil
}

var webhookActor = payments.Actor{Type: audit.ActorWebhook}

// RegisterPaymentHandlers wires the gateway's payment lifecycle events to
// the payment engine. Transitions run on the processor's transaction so
// they commit atomically with the dedup marker.
func RegisterPaymentHandlers(p *Processor, engine *payments.Engine) {
	p.On(EventPaymentSucceeded, func(ctx context.Context, q storage.Querier, event Event) error {
		data, err := parsePaymentEvent(event)
		if err != nil {
			return err
		}
		return engine.CompleteOn(ctx, q, data.Object.Metadata.PaymentID, data.Object.ID, webhookActor)
	})

	p.On(EventPaymentFailed, func(ctx context.Context, q storage.Querier, event Event) error {
		data, err := parsePaymentEvent(event)
		if err != nil {
			return err
		}
		reason := data.Object.LastPaymentError.Message
		if reason == "" {
			reason = "payment failed at gateway"
		}
		return engine.FailOn(ctx, q, data.Object.Metadata.PaymentID, reason, webhookActor)
	})

	p.On(EventChargeRefunded, func(ctx context.Context, q storage.Querier, event Event) error {
		data, err := parsePaymentEvent(event)
		if err != nil {
			return err
		}
		return engine.RefundOn(ctx, q, data.Object.Metadata.PaymentID, "refunded at gateway", webhookActor)
	})
}
