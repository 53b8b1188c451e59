// Package auth orchestrates login, token issuance, refresh rotation, and
// account lockout. Password and OTP verification is delegated to an external
// identity provider; this package owns everything that happens around it.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"edbase/crypto"
)

var (
	// ErrInvalidCredentials reports a failed password or OTP check. The
	// message is deliberately uniform; callers must not reveal whether the
	// account exists.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrWeakPassword reports a new password below the minimum length.
	ErrWeakPassword = errors.New("auth: password must be at least 8 characters")
	// ErrUpstream reports an identity provider failure that is not a
	// credential rejection.
	ErrUpstream = errors.New("auth: identity provider unavailable")
)

// LockedError reports a login attempt against a locked account.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("auth: account locked until %s", e.Until.UTC().Format(time.RFC3339))
}

// IsLocked reports whether err is an account lockout, returning the unlock
// time when it is.
func IsLocked(err error) (time.Time, bool) {
	var locked *LockedError
	if errors.As(err, &locked) {
		return locked.Until, true
	}
	return time.Time{}, false
}

const minPasswordLength = 8

// lockoutKey derives the account_lockouts key from an email address. Emails
// never hit the table in the clear.
func lockoutKey(email string) string {
	normalized := strings.ToLower(strings.TrimSpace(email))
	return crypto.SHA256Hex([]byte(normalized))
}
