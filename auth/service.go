package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"edbase/audit"
	"edbase/observability"
	"edbase/observability/logging"
	"edbase/session"
	"edbase/storage"
)

// Policy tunes the service's lockout and token lifetimes.
type Policy struct {
	LockoutMaxAttempts int
	LockoutDuration    time.Duration
	RefreshTokenTTL    time.Duration
}

// LoginResult is a successful authentication: the tokens plus the session
// they are bound to.
type LoginResult struct {
	Tokens  TokenPair
	Session *session.Session
}

// Service orchestrates authentication flows over the identity provider, the
// session engine, and the lockout store.
type Service struct {
	provider IdentityProvider
	issuer   *Issuer
	sessions *session.Engine
	lockouts LockoutStore
	db       storage.Querier
	tx       storage.Transactor
	recorder *audit.Recorder
	policy   Policy
	log      *slog.Logger
	nowFn    func() time.Time
}

// NewService wires a service.
func NewService(provider IdentityProvider, issuer *Issuer, sessions *session.Engine, lockouts LockoutStore, db storage.Querier, tx storage.Transactor, recorder *audit.Recorder, policy Policy, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if policy.LockoutMaxAttempts <= 0 {
		policy.LockoutMaxAttempts = 5
	}
	if policy.LockoutDuration <= 0 {
		policy.LockoutDuration = 15 * time.Minute
	}
	if policy.RefreshTokenTTL <= 0 {
		policy.RefreshTokenTTL = 720 * time.Hour
	}
	return &Service{
		provider: provider, issuer: issuer, sessions: sessions,
		lockouts: lockouts, db: db, tx: tx, recorder: recorder,
		policy: policy, log: log, nowFn: time.Now,
	}
}

// LoginPassword authenticates with email and password.
func (s *Service) LoginPassword(ctx context.Context, email, password, ip, userAgent string) (*LoginResult, error) {
	return s.login(ctx, email, ip, userAgent, "password", func(ctx context.Context) (string, error) {
		return s.provider.VerifyPassword(ctx, email, password)
	})
}

// LoginOTP authenticates with email and a one-time code.
func (s *Service) LoginOTP(ctx context.Context, email, code, ip, userAgent string) (*LoginResult, error) {
	return s.login(ctx, email, ip, userAgent, "otp", func(ctx context.Context) (string, error) {
		return s.provider.VerifyOTP(ctx, email, code)
	})
}

func (s *Service) login(ctx context.Context, email, ip, userAgent, method string, verify func(ctx context.Context) (string, error)) (*LoginResult, error) {
	key := lockoutKey(email)
	now := s.nowFn().UTC()

	lockout, err := s.lockouts.Status(ctx, s.db, key)
	if err != nil {
		return nil, fmt.Errorf("lockout status: %w", err)
	}
	if lockout.Locked(now) {
		s.log.WarnContext(ctx, "login attempt against locked account",
			logging.MaskField("email", email), "ip", ip)
		if _, auditErr := s.recorder.Append(ctx, s.db, audit.Entry{
			EventType: audit.EventLoginBlocked,
			ActorType: audit.ActorAnonymous,
			Action:    "login",
			Metadata: map[string]any{
				"email":        email,
				"ip_address":   ip,
				"locked_until": lockout.LockedUntil.UTC().Format(time.RFC3339),
			},
		}); auditErr != nil {
			s.log.ErrorContext(ctx, "audit login block failed", "error", auditErr)
		}
		return nil, &LockedError{Until: lockout.LockedUntil}
	}

	userID, err := verify(ctx)
	if errors.Is(err, ErrInvalidCredentials) {
		return nil, s.recordFailure(ctx, key, email, ip, userAgent, now)
	}
	if err != nil {
		return nil, err
	}

	tokens, err := s.issuer.Issue(userID)
	if err != nil {
		return nil, err
	}

	var sess *session.Session
	err = s.tx.Transact(ctx, storage.TxOptions{Isolation: storage.ReadCommitted}, func(q storage.Querier) error {
		if err := s.lockouts.Reset(ctx, q, key); err != nil {
			return fmt.Errorf("reset lockout: %w", err)
		}
		sess, err = s.sessions.Create(ctx, q, session.CreateParams{
			UserID:       userID,
			Token:        tokens.AccessToken,
			RefreshToken: tokens.RefreshToken,
			IPAddress:    ip,
			UserAgent:    userAgent,
			TTL:          s.policy.RefreshTokenTTL,
		})
		if err != nil {
			return err
		}
		_, err = s.recorder.Append(ctx, q, audit.LoginSuccess(userID, ip, userAgent, method))
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "login succeeded",
		"user_id", userID, "session_id", sess.ID, "method", method)
	return &LoginResult{Tokens: tokens, Session: sess}, nil
}

// recordFailure bumps the lockout counter and locks the account when the
// attempt budget is spent. The returned error is always ErrInvalidCredentials
// or LockedError, never a hint about the account.
func (s *Service) recordFailure(ctx context.Context, key, email, ip, userAgent string, now time.Time) error {
	windowStart := now.Add(-s.policy.LockoutDuration)

	var locked *time.Time
	err := s.tx.Transact(ctx, storage.TxOptions{Isolation: storage.ReadCommitted}, func(q storage.Querier) error {
		attempts, err := s.lockouts.RecordFailure(ctx, q, key, now, windowStart)
		if err != nil {
			return fmt.Errorf("record failed attempt: %w", err)
		}
		if attempts >= s.policy.LockoutMaxAttempts {
			until := now.Add(s.policy.LockoutDuration)
			if err := s.lockouts.Lock(ctx, q, key, until); err != nil {
				return fmt.Errorf("lock account: %w", err)
			}
			locked = &until
			observability.Security().RecordLockout()
			_, err := s.recorder.Append(ctx, q, audit.Entry{
				EventType: audit.EventAccountLocked,
				ActorType: audit.ActorSystem,
				Action:    "lock",
				Metadata: map[string]any{
					"email":        email,
					"attempts":     attempts,
					"locked_until": until.UTC().Format(time.RFC3339),
				},
			})
			if err != nil {
				return err
			}
		}
		_, err = s.recorder.Append(ctx, q, audit.LoginFailure(email, ip, userAgent, "invalid_credentials"))
		return err
	})
	if err != nil {
		return fmt.Errorf("record login failure: %w", err)
	}
	if locked != nil {
		s.log.WarnContext(ctx, "account locked after repeated failures",
			logging.MaskField("email", email), "ip", ip)
		return &LockedError{Until: *locked}
	}
	return ErrInvalidCredentials
}

// Refresh rotates a refresh token: the old session is revoked and a new one
// created in the same transaction, so a crash can never leave both live.
func (s *Service) Refresh(ctx context.Context, refreshToken, ip, userAgent string) (*LoginResult, error) {
	old, err := s.sessions.ByRefreshToken(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	now := s.nowFn().UTC()
	if old.Revoked() {
		return nil, &session.RevokedError{Reason: old.RevokedReason}
	}
	if !old.ExpiresAt.After(now) {
		return nil, session.ErrExpired
	}

	tokens, err := s.issuer.Issue(old.UserID)
	if err != nil {
		return nil, err
	}

	var fresh *session.Session
	err = s.tx.Transact(ctx, storage.TxOptions{Isolation: storage.ReadCommitted}, func(q storage.Querier) error {
		if err := s.sessions.Revoke(ctx, q, old.ID, old.UserID, session.ReasonTokenRefresh); err != nil {
			return err
		}
		fresh, err = s.sessions.Create(ctx, q, session.CreateParams{
			UserID:       old.UserID,
			Token:        tokens.AccessToken,
			RefreshToken: tokens.RefreshToken,
			TeamID:       old.TeamID,
			IPAddress:    ip,
			UserAgent:    userAgent,
			TTL:          s.policy.RefreshTokenTTL,
		})
		if err != nil {
			return err
		}
		_, err = s.recorder.Append(ctx, q, audit.Entry{
			EventType:    audit.EventTokenRefreshed,
			ActorType:    audit.ActorUser,
			ActorID:      old.UserID,
			ResourceType: "session",
			ResourceID:   fresh.ID,
			Action:       "refresh",
			Metadata:     map[string]any{"rotated_from": old.ID},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &LoginResult{Tokens: tokens, Session: fresh}, nil
}

// Logout revokes the current session, or every session of the user when all
// is set.
func (s *Service) Logout(ctx context.Context, userID, sessionID string, all bool) error {
	return s.tx.Transact(ctx, storage.TxOptions{Isolation: storage.ReadCommitted}, func(q storage.Querier) error {
		var (
			count int64 = 1
			err   error
		)
		if all {
			count, err = s.sessions.RevokeAllForUser(ctx, q, userID, session.ReasonManualLogout, "")
		} else {
			err = s.sessions.Revoke(ctx, q, sessionID, userID, session.ReasonManualLogout)
		}
		if err != nil {
			return err
		}
		_, err = s.recorder.Append(ctx, q, audit.Entry{
			EventType:    audit.EventLogout,
			ActorType:    audit.ActorUser,
			ActorID:      userID,
			ResourceType: "session",
			ResourceID:   sessionID,
			Action:       "logout",
			Metadata:     map[string]any{"all": all, "count": count},
		})
		return err
	})
}

// ChangePassword updates the password upstream, then revokes every session of
// the user, the calling one included. The client must log in again.
func (s *Service) ChangePassword(ctx context.Context, userID, newPassword string) error {
	if len(newPassword) < minPasswordLength {
		return ErrWeakPassword
	}
	if err := s.provider.UpdatePassword(ctx, userID, newPassword); err != nil {
		return err
	}

	return s.tx.Transact(ctx, storage.TxOptions{Isolation: storage.ReadCommitted}, func(q storage.Querier) error {
		count, err := s.sessions.RevokeAllForUser(ctx, q, userID, session.ReasonPasswordChange, "")
		if err != nil {
			return err
		}
		_, err = s.recorder.Append(ctx, q, audit.Entry{
			EventType: audit.EventPasswordChanged,
			ActorType: audit.ActorUser,
			ActorID:   userID,
			Action:    "change_password",
			Metadata:  map[string]any{"sessions_revoked": count},
		})
		return err
	})
}
