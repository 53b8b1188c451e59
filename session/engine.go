package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"edbase/audit"
	"edbase/crypto"
	"edbase/observability"
	"edbase/storage"
)

// Engine issues and revokes sessions. It persists through a Store and writes
// security events through the audit recorder.
type Engine struct {
	store    Store
	db       storage.Querier
	recorder *audit.Recorder
	log      *slog.Logger
	nowFn    func() time.Time
}

// NewEngine wires an engine over the default Querier (usually the pool).
func NewEngine(store Store, db storage.Querier, recorder *audit.Recorder, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{store: store, db: db, recorder: recorder, log: log, nowFn: time.Now}
}

// CreateParams describes a new session. Token and RefreshToken are the raw
// secrets handed to the client; only their hashes are stored.
type CreateParams struct {
	UserID       string
	Token        string
	RefreshToken string
	TeamID       string
	IPAddress    string
	UserAgent    string
	TTL          time.Duration
}

// Create persists a new session on q.
func (e *Engine) Create(ctx context.Context, q storage.Querier, p CreateParams) (*Session, error) {
	now := e.nowFn().UTC()
	s := &Session{
		ID:               uuid.NewString(),
		UserID:           p.UserID,
		TokenHash:        crypto.TokenHash(p.Token),
		RefreshTokenHash: crypto.TokenHash(p.RefreshToken),
		TeamID:           p.TeamID,
		IPAddress:        p.IPAddress,
		UserAgent:        p.UserAgent,
		CreatedAt:        now,
		LastUsedAt:       now,
		ExpiresAt:        now.Add(p.TTL),
	}
	if err := e.store.Insert(ctx, q, s); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return s, nil
}

// Validate resolves a raw bearer token to a live session. Unknown tokens,
// revoked sessions, and expired sessions are all rejected; a revoked token
// presented again is itself a security signal and is audited.
func (e *Engine) Validate(ctx context.Context, token string) (*Session, error) {
	s, err := e.store.ByTokenHash(ctx, e.db, crypto.TokenHash(token))
	if err != nil {
		return nil, err
	}

	if s.Revoked() {
		e.log.WarnContext(ctx, "revoked session presented",
			"session_id", s.ID, "user_id", s.UserID, "reason", s.RevokedReason)
		observability.Security().RecordRevokedUse()
		if _, auditErr := e.recorder.Append(ctx, e.db, audit.Entry{
			EventType:    audit.EventSessionRevoked,
			ActorType:    audit.ActorUser,
			ActorID:      s.UserID,
			ResourceType: "session",
			ResourceID:   s.ID,
			Action:       "validate",
			Metadata:     map[string]any{"revoked_reason": s.RevokedReason, "revoked_use": true},
		}); auditErr != nil {
			e.log.ErrorContext(ctx, "audit revoked-token use failed", "error", auditErr)
		}
		return nil, &RevokedError{Reason: s.RevokedReason}
	}

	now := e.nowFn().UTC()
	if !s.ExpiresAt.After(now) {
		return nil, ErrExpired
	}

	// Touch is best effort; a failed update must not block the request.
	if err := e.store.Touch(ctx, e.db, s.ID, now); err != nil {
		e.log.WarnContext(ctx, "session touch failed", "session_id", s.ID, "error", err)
	}
	return s, nil
}

// ByRefreshToken resolves a raw refresh token to its session without
// touching last_used_at.
func (e *Engine) ByRefreshToken(ctx context.Context, token string) (*Session, error) {
	return e.store.ByRefreshHash(ctx, e.db, crypto.TokenHash(token))
}

// Revoke marks one session revoked on q and appends the revocation audit
// entry on the same q, so both commit or roll back together. Revoking an
// already revoked session is a no-op success; the original reason stands.
func (e *Engine) Revoke(ctx context.Context, q storage.Querier, sessionID, userID, reason string) error {
	applied, err := e.store.Revoke(ctx, q, sessionID, reason, e.nowFn().UTC())
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	if !applied {
		return nil
	}
	observability.Security().RecordRevocation(reason, 1)
	if _, err := e.recorder.Append(ctx, q, audit.Entry{
		EventType:    audit.EventSessionRevoked,
		ActorType:    audit.ActorSystem,
		ActorID:      userID,
		ResourceType: "session",
		ResourceID:   sessionID,
		Action:       "revoke",
		Metadata:     map[string]any{"reason": reason},
	}); err != nil {
		return err
	}
	return nil
}

// RevokeAllForUser revokes every live session of a user on q, optionally
// sparing one session (logout-others). The sweep's audit entry rides the
// same q. Returns the number revoked.
func (e *Engine) RevokeAllForUser(ctx context.Context, q storage.Querier, userID, reason, excludeID string) (int64, error) {
	count, err := e.store.RevokeAllForUser(ctx, q, userID, reason, excludeID, e.nowFn().UTC())
	if err != nil {
		return 0, fmt.Errorf("revoke user sessions: %w", err)
	}
	if count == 0 {
		return 0, nil
	}
	observability.Security().RecordRevocation(reason, int(count))
	if _, err := e.recorder.Append(ctx, q, audit.SessionsRevoked(userID, reason, int(count))); err != nil {
		return 0, err
	}
	return count, nil
}

// RevokeForTeam revokes every live session bound to a team on q, with the
// sweep's audit entry on the same q.
func (e *Engine) RevokeForTeam(ctx context.Context, q storage.Querier, teamID, reason string) (int64, error) {
	count, err := e.store.RevokeForTeam(ctx, q, teamID, reason, e.nowFn().UTC())
	if err != nil {
		return 0, fmt.Errorf("revoke team sessions: %w", err)
	}
	if count == 0 {
		return 0, nil
	}
	observability.Security().RecordRevocation(reason, int(count))
	if _, err := e.recorder.Append(ctx, q, audit.Entry{
		EventType:    audit.EventSessionRevoked,
		ActorType:    audit.ActorSystem,
		TeamID:       teamID,
		ResourceType: "session",
		Action:       "revoke",
		Metadata:     map[string]any{"reason": reason, "count": count},
	}); err != nil {
		return 0, err
	}
	return count, nil
}

const cleanupBatchSize = 1000

// CleanupExpired deletes sessions whose expiry is older than retainFor,
// batched so the delete never holds long locks. Returns the total removed.
func (e *Engine) CleanupExpired(ctx context.Context, retainFor time.Duration) (int64, error) {
	cutoff := e.nowFn().UTC().Add(-retainFor)
	var total int64
	for {
		n, err := e.store.DeleteExpiredBefore(ctx, e.db, cutoff, cleanupBatchSize)
		if err != nil {
			return total, fmt.Errorf("cleanup sessions: %w", err)
		}
		total += n
		if n < cleanupBatchSize {
			return total, nil
		}
	}
}
