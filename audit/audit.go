// Package audit implements the tamper-evident audit log. Every row carries
// an HMAC over its canonical form; verification detects any post-write edit.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"edbase/crypto"
	"edbase/observability"
	"edbase/storage"
)

// Actor types recorded on audit entries.
const (
	ActorUser      = "USER"
	ActorSystem    = "SYSTEM"
	ActorWebhook   = "WEBHOOK"
	ActorAdmin     = "ADMIN"
	ActorAnonymous = "ANONYMOUS"
)

// Event types emitted by the platform engines.
const (
	EventLoginSuccess     = "auth.login.success"
	EventLoginFailure     = "auth.login.failure"
	EventLoginBlocked     = "auth.login.blocked"
	EventTokenRefreshed   = "auth.token.refreshed"
	EventLogout           = "auth.logout"
	EventPasswordChanged  = "auth.password.changed"
	EventSessionRevoked   = "security.session.revoked"
	EventRateLimitHit     = "security.rate_limit.hit"
	EventAccountLocked    = "security.account.locked"
	EventWebhookDuplicate = "security.webhook.duplicate"
	EventAuditTamper      = "security.audit.tamper"
	EventMemberAdded      = "team.member.added"
	EventRoleChanged      = "team.member.role_changed"
	EventMemberRemoved    = "team.member.removed"
	EventPaymentInitiated = "payment.initiated"
	EventPaymentCompleted = "payment.completed"
	EventPaymentFailed    = "payment.failed"
	EventPaymentCancelled = "payment.cancelled"
	EventPaymentRefunded  = "payment.refunded"
	EventWebhookReceived  = "webhook.received"
)

// Entry is one audit record. Optional fields are empty strings; they are
// canonicalized as JSON null so the signature is stable.
type Entry struct {
	EventType    string
	ActorType    string
	ActorID      string
	TeamID       string
	ResourceType string
	ResourceID   string
	Action       string
	Metadata     map[string]any
	CreatedAt    time.Time
}

// Recorder signs and persists audit entries.
type Recorder struct {
	secret string
	log    *slog.Logger
	nowFn  func() time.Time
}

// NewRecorder constructs a recorder signing with secret.
func NewRecorder(secret string, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{secret: secret, log: log, nowFn: time.Now}
}

// canonicalPayload builds the exact byte sequence the signature covers. The
// field set and encoding are fixed: compact JSON, sorted keys, RFC3339 UTC
// timestamps at second precision, absent optionals as null.
func (r *Recorder) canonicalPayload(e Entry) ([]byte, error) {
	payload := map[string]any{
		"event_type":    e.EventType,
		"actor_type":    e.ActorType,
		"actor_id":      nullable(e.ActorID),
		"team_id":       nullable(e.TeamID),
		"resource_type": nullable(e.ResourceType),
		"resource_id":   nullable(e.ResourceID),
		"action":        nullable(e.Action),
		"metadata":      metadataOrNull(e.Metadata),
		"created_at":    e.CreatedAt.UTC().Truncate(time.Second).Format(time.RFC3339),
	}
	return crypto.CanonicalJSON(payload)
}

// Sign returns the hex HMAC for an entry.
func (r *Recorder) Sign(e Entry) (string, error) {
	payload, err := r.canonicalPayload(e)
	if err != nil {
		return "", fmt.Errorf("canonicalize audit entry: %w", err)
	}
	return crypto.HMACSign(r.secret, payload), nil
}

// Verify reports whether sig matches the entry. Comparison is constant time.
func (r *Recorder) Verify(e Entry, sig string) bool {
	payload, err := r.canonicalPayload(e)
	if err != nil {
		return false
	}
	return crypto.HMACVerify(r.secret, payload, sig)
}

const insertEntry = `
INSERT INTO audit_log (
    event_type, actor_type, actor_id, team_id,
    resource_type, resource_id, action, metadata, created_at, signature
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING id`

// Append signs the entry and inserts it on q, which may be a transaction so
// the audit row commits atomically with the operation it records. A nil
// CreatedAt is stamped from the recorder clock. The returned error must not
// be ignored: operations that require an audit trail abort when it fails.
func (r *Recorder) Append(ctx context.Context, q storage.Querier, e Entry) (int64, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.nowFn()
	}
	e.CreatedAt = e.CreatedAt.UTC().Truncate(time.Second)

	sig, err := r.Sign(e)
	if err != nil {
		observability.Security().RecordAuditFailure()
		return 0, err
	}
	var metadata []byte
	if e.Metadata != nil {
		metadata, err = crypto.CanonicalJSON(e.Metadata)
		if err != nil {
			observability.Security().RecordAuditFailure()
			return 0, fmt.Errorf("encode audit metadata: %w", err)
		}
	}

	var id int64
	err = q.QueryRow(ctx, insertEntry,
		e.EventType, e.ActorType,
		nullable(e.ActorID), nullable(e.TeamID),
		nullable(e.ResourceType), nullable(e.ResourceID), nullable(e.Action),
		metadata, e.CreatedAt, sig,
	).Scan(&id)
	if err != nil {
		observability.Security().RecordAuditFailure()
		r.log.ErrorContext(ctx, "audit append failed",
			"event_type", e.EventType, "error", err)
		return 0, fmt.Errorf("append audit entry: %w", err)
	}
	return id, nil
}

const selectRange = `
SELECT id, event_type, actor_type, actor_id, team_id,
       resource_type, resource_id, action, metadata, created_at, signature
FROM audit_log
WHERE created_at >= $1 AND created_at < $2
ORDER BY id`

// VerifyRange re-verifies every entry written in [from, to) and returns the
// ids whose signatures no longer match.
func (r *Recorder) VerifyRange(ctx context.Context, q storage.Querier, from, to time.Time) ([]int64, error) {
	rows, err := q.Query(ctx, selectRange, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("scan audit range: %w", err)
	}
	defer rows.Close()

	var tampered []int64
	for rows.Next() {
		var (
			id                                             int64
			eventType, actorType                           string
			actorID, teamID, resType, resID, action        *string
			metadata                                       []byte
			createdAt                                      time.Time
			sig                                            string
		)
		if err := rows.Scan(&id, &eventType, &actorType, &actorID, &teamID,
			&resType, &resID, &action, &metadata, &createdAt, &sig); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		entry := Entry{
			EventType:    eventType,
			ActorType:    actorType,
			ActorID:      deref(actorID),
			TeamID:       deref(teamID),
			ResourceType: deref(resType),
			ResourceID:   deref(resID),
			Action:       deref(action),
			CreatedAt:    createdAt,
		}
		if len(metadata) > 0 {
			if err := decodeMetadata(metadata, &entry.Metadata); err != nil {
				tampered = append(tampered, id)
				continue
			}
		}
		if !r.Verify(entry, sig) {
			tampered = append(tampered, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit rows: %w", err)
	}
	if len(tampered) > 0 {
		r.log.ErrorContext(ctx, "audit integrity check found tampered rows",
			"count", len(tampered))
	}
	return tampered, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func metadataOrNull(m map[string]any) any {
	if m == nil {
		return nil
	}
	return m
}
