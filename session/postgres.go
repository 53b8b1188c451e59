package session

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"edbase/storage"
)

// Store is the persistence surface the engine depends on. Methods accept a
// Querier so revocations can ride inside a caller-owned transaction.
type Store interface {
	Insert(ctx context.Context, q storage.Querier, s *Session) error
	ByTokenHash(ctx context.Context, q storage.Querier, hash string) (*Session, error)
	ByRefreshHash(ctx context.Context, q storage.Querier, hash string) (*Session, error)
	Touch(ctx context.Context, q storage.Querier, id string, at time.Time) error
	Revoke(ctx context.Context, q storage.Querier, id, reason string, at time.Time) (bool, error)
	RevokeAllForUser(ctx context.Context, q storage.Querier, userID, reason, excludeID string, at time.Time) (int64, error)
	RevokeForTeam(ctx context.Context, q storage.Querier, teamID, reason string, at time.Time) (int64, error)
	DeleteExpiredBefore(ctx context.Context, q storage.Querier, cutoff time.Time, limit int) (int64, error)
}

// PGStore is the Postgres-backed Store.
type PGStore struct{}

const insertSession = `
INSERT INTO sessions (
    id, user_id, token_hash, refresh_token_hash, team_id,
    ip_address, user_agent, created_at, last_used_at, expires_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

func (PGStore) Insert(ctx context.Context, q storage.Querier, s *Session) error {
	_, err := q.Exec(ctx, insertSession,
		s.ID, s.UserID, s.TokenHash, s.RefreshTokenHash, emptyToNull(s.TeamID),
		s.IPAddress, s.UserAgent, s.CreatedAt, s.LastUsedAt, s.ExpiresAt)
	return err
}

const selectByTokenHash = `
SELECT id, user_id, token_hash, refresh_token_hash, team_id,
       ip_address, user_agent, created_at, last_used_at, expires_at,
       revoked_at, revoked_reason
FROM sessions
WHERE token_hash = $1`

func (PGStore) ByTokenHash(ctx context.Context, q storage.Querier, hash string) (*Session, error) {
	return scanSession(q.QueryRow(ctx, selectByTokenHash, hash))
}

const selectByRefreshHash = `
SELECT id, user_id, token_hash, refresh_token_hash, team_id,
       ip_address, user_agent, created_at, last_used_at, expires_at,
       revoked_at, revoked_reason
FROM sessions
WHERE refresh_token_hash = $1`

func (PGStore) ByRefreshHash(ctx context.Context, q storage.Querier, hash string) (*Session, error) {
	return scanSession(q.QueryRow(ctx, selectByRefreshHash, hash))
}

const touchSession = `UPDATE sessions SET last_used_at = $2 WHERE id = $1`

func (PGStore) Touch(ctx context.Context, q storage.Querier, id string, at time.Time) error {
	_, err := q.Exec(ctx, touchSession, id, at)
	return err
}

// revokeSession guards on revoked_at IS NULL so the first revocation wins
// and the recorded reason survives later attempts.
const revokeSession = `
UPDATE sessions
SET revoked_at = $2, revoked_reason = $3
WHERE id = $1 AND revoked_at IS NULL`

func (PGStore) Revoke(ctx context.Context, q storage.Querier, id, reason string, at time.Time) (bool, error) {
	tag, err := q.Exec(ctx, revokeSession, id, at, reason)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

const revokeAllForUser = `
UPDATE sessions
SET revoked_at = $2, revoked_reason = $3
WHERE user_id = $1
  AND revoked_at IS NULL
  AND ($4::text IS NULL OR id::text <> $4)`

func (PGStore) RevokeAllForUser(ctx context.Context, q storage.Querier, userID, reason, excludeID string, at time.Time) (int64, error) {
	tag, err := q.Exec(ctx, revokeAllForUser, userID, at, reason, emptyToNull(excludeID))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const revokeForTeam = `
UPDATE sessions
SET revoked_at = $2, revoked_reason = $3
WHERE team_id = $1 AND revoked_at IS NULL`

func (PGStore) RevokeForTeam(ctx context.Context, q storage.Querier, teamID, reason string, at time.Time) (int64, error) {
	tag, err := q.Exec(ctx, revokeForTeam, teamID, at, reason)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const deleteExpired = `
DELETE FROM sessions
WHERE id IN (
    SELECT id FROM sessions WHERE expires_at < $1 LIMIT $2
)`

func (PGStore) DeleteExpiredBefore(ctx context.Context, q storage.Querier, cutoff time.Time, limit int) (int64, error) {
	tag, err := q.Exec(ctx, deleteExpired, cutoff, limit)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		s             Session
		teamID        *string
		revokedReason *string
	)
	err := row.Scan(&s.ID, &s.UserID, &s.TokenHash, &s.RefreshTokenHash, &teamID,
		&s.IPAddress, &s.UserAgent, &s.CreatedAt, &s.LastUsedAt, &s.ExpiresAt,
		&s.RevokedAt, &revokedReason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if teamID != nil {
		s.TeamID = *teamID
	}
	if revokedReason != nil {
		s.RevokedReason = *revokedReason
	}
	return &s, nil
}

func emptyToNull(s string) any {
	if s == "" {
		return nil
	}
	return s
}
