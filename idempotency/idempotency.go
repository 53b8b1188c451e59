// Package idempotency gives state-changing operations exactly-once
// semantics: one key, one execution, replayed responses for retries.
package idempotency

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Status of a stored key.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// KeyTTL bounds how long a key and its cached response are honored. A
// failed key keeps its original expiry; retries do not extend the window.
const KeyTTL = 48 * time.Hour

// Record is one stored idempotency key.
type Record struct {
	ID          string
	UserID      string
	Key         string
	RequestHash string
	Status      string
	StatusCode  int
	Response    []byte
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Claim is the row returned by a successful Acquire. Inserted distinguishes
// a freshly inserted row from a retaken failed or expired one.
type Claim struct {
	Status     string
	StatusCode int
	Response   []byte
	Inserted   bool
}

var (
	// ErrConflict reports a key reused with a different request payload.
	// This is client misbehavior, not a server fault.
	ErrConflict = errors.New("idempotency: key reused with different request")
	// ErrInFlight reports a key currently locked by a concurrent request.
	// The caller should retry shortly.
	ErrInFlight = errors.New("idempotency: key is being processed")
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{16,256}$`)

// ValidateKey checks the client-supplied key shape.
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("idempotency key must be 16-256 characters of [A-Za-z0-9_-]")
	}
	return nil
}
