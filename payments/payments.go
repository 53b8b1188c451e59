// Package payments implements the payment lifecycle as a guarded state
// machine. Status is never written unconditionally: every transition is a
// conditional update that either applies exactly once or reports why not.
package payments

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Status is a payment lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusRefunded  Status = "REFUNDED"
)

// transitions holds the legal edges of the state machine.
var transitions = map[Status][]Status{
	StatusPending:   {StatusCompleted, StatusFailed, StatusCancelled},
	StatusCompleted: {StatusRefunded},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions leave s.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Payment is one payment record.
type Payment struct {
	ID             string
	UserID         string
	TeamID         string
	IdempotencyKey string
	AmountCents    int64
	Currency       string
	Status         Status
	GatewayRef     string
	FailureReason  string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

var (
	// ErrNotFound reports an unknown payment id.
	ErrNotFound = errors.New("payments: not found")
	// ErrValidation reports a rejected create request.
	ErrValidation = errors.New("payments: invalid request")
)

// InvalidTransitionError reports an attempted illegal state change.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("payments: cannot transition %s to %s", e.From, e.To)
}

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// CreateRequest describes a new payment.
type CreateRequest struct {
	UserID         string
	TeamID         string
	IdempotencyKey string
	AmountCents    int64
	Currency       string
}

// Validate checks the request shape.
func (r CreateRequest) Validate() error {
	if r.UserID == "" || r.TeamID == "" {
		return fmt.Errorf("%w: user and team are required", ErrValidation)
	}
	if r.AmountCents <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if !currencyPattern.MatchString(r.Currency) {
		return fmt.Errorf("%w: currency must be a 3-letter ISO code", ErrValidation)
	}
	return nil
}
