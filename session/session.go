// Package session implements bearer-session issuance and revocation. Token
// validity is decoupled from token expiry: a session can be revoked at any
// moment and every request re-checks the revocation state.
package session

import (
	"errors"
	"fmt"
	"time"
)

// Revocation reasons. The reason is written once at revocation time and
// never overwritten.
const (
	ReasonPasswordChange   = "PASSWORD_CHANGE"
	ReasonRoleChange       = "ROLE_CHANGE"
	ReasonTeamChange       = "TEAM_CHANGE"
	ReasonManualLogout     = "MANUAL_LOGOUT"
	ReasonAccountLock      = "ACCOUNT_LOCK"
	ReasonSecurityIncident = "SECURITY_INCIDENT"
	ReasonTokenRefresh     = "TOKEN_REFRESH"
	ReasonAdminAction      = "ADMIN_ACTION"
	ReasonSessionExpired   = "SESSION_EXPIRED"
)

// Session is one authenticated browser or API client. Only token hashes are
// stored; the raw bearer token exists client-side only.
type Session struct {
	ID               string
	UserID           string
	TokenHash        string
	RefreshTokenHash string
	TeamID           string
	IPAddress        string
	UserAgent        string
	CreatedAt        time.Time
	LastUsedAt       time.Time
	ExpiresAt        time.Time
	RevokedAt        *time.Time
	RevokedReason    string
}

// Revoked reports whether the session has been revoked.
func (s *Session) Revoked() bool { return s.RevokedAt != nil }

var (
	// ErrNotFound reports an unknown token.
	ErrNotFound = errors.New("session: not found")
	// ErrExpired reports a session past its expiry.
	ErrExpired = errors.New("session: expired")
)

// RevokedError reports a token presented after its session was revoked.
type RevokedError struct {
	Reason string
}

func (e *RevokedError) Error() string {
	return fmt.Sprintf("session: revoked (%s)", e.Reason)
}
