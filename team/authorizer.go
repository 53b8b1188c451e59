package team

import (
	"context"
	"fmt"
	"log/slog"

	"edbase/audit"
	"edbase/session"
	"edbase/storage"
)

// Authorizer resolves authorization contexts and manages memberships.
// Privilege-changing operations revoke the affected user's sessions in the
// same transaction, so a demoted member's open sessions die with the commit.
type Authorizer struct {
	store    Store
	db       storage.Querier
	tx       storage.Transactor
	sessions *session.Engine
	recorder *audit.Recorder
	log      *slog.Logger
}

// NewAuthorizer wires an authorizer.
func NewAuthorizer(store Store, db storage.Querier, tx storage.Transactor, sessions *session.Engine, recorder *audit.Recorder, log *slog.Logger) *Authorizer {
	if log == nil {
		log = slog.Default()
	}
	return &Authorizer{store: store, db: db, tx: tx, sessions: sessions, recorder: recorder, log: log}
}

// ContextFor resolves the caller's membership in a team. Every call reads
// the database; authorization state is never cached.
func (a *Authorizer) ContextFor(ctx context.Context, userID, teamID string) (*Context, error) {
	return a.store.MembershipContext(ctx, a.db, userID, teamID)
}

// Require resolves the membership and enforces a minimum role.
func (a *Authorizer) Require(ctx context.Context, userID, teamID string, min Role) (*Context, error) {
	authz, err := a.ContextFor(ctx, userID, teamID)
	if err != nil {
		return nil, err
	}
	if !authz.Role.AtLeast(min) {
		return nil, &RoleError{Need: min, Have: authz.Role}
	}
	return authz, nil
}

// TeamsFor lists the caller's active teams.
func (a *Authorizer) TeamsFor(ctx context.Context, userID string) ([]Membership, error) {
	return a.store.TeamsFor(ctx, a.db, userID)
}

// checkGrant enforces who may assign or act on a role: admins manage the
// team, but anything touching OWNER is owner-only.
func checkGrant(actor *Context, target Role) error {
	if !actor.Role.AtLeast(RoleAdmin) {
		return &RoleError{Need: RoleAdmin, Have: actor.Role}
	}
	if target == RoleOwner && actor.Role != RoleOwner {
		return &RoleError{Need: RoleOwner, Have: actor.Role}
	}
	return nil
}

// AddMember adds or reactivates a member at the given role.
func (a *Authorizer) AddMember(ctx context.Context, actor *Context, userID string, role Role) error {
	if err := checkGrant(actor, role); err != nil {
		return err
	}
	return a.tx.Transact(ctx, storage.TxOptions{Isolation: storage.ReadCommitted}, func(q storage.Querier) error {
		if err := a.store.UpsertMember(ctx, q, actor.TeamID, userID, role); err != nil {
			return fmt.Errorf("upsert member: %w", err)
		}
		_, err := a.recorder.Append(ctx, q, audit.Entry{
			EventType:    audit.EventMemberAdded,
			ActorType:    audit.ActorUser,
			ActorID:      actor.UserID,
			TeamID:       actor.TeamID,
			ResourceType: "membership",
			ResourceID:   userID,
			Action:       "add",
			Metadata:     map[string]any{"role": string(role)},
		})
		return err
	})
}

// ChangeRole updates a member's role. The role update, the revocation of
// the member's sessions, and the audit row commit or roll back together.
func (a *Authorizer) ChangeRole(ctx context.Context, actor *Context, userID string, newRole Role) error {
	if err := checkGrant(actor, newRole); err != nil {
		return err
	}
	current, err := a.store.MembershipContext(ctx, a.db, userID, actor.TeamID)
	if err != nil {
		return err
	}
	// Demoting an owner is owner-only even when the new role is not OWNER.
	if current.Role == RoleOwner && actor.Role != RoleOwner {
		return &RoleError{Need: RoleOwner, Have: actor.Role}
	}

	return a.tx.Transact(ctx, storage.TxOptions{Isolation: storage.ReadCommitted}, func(q storage.Querier) error {
		if current.Role == RoleOwner && newRole != RoleOwner {
			owners, err := a.store.CountOwners(ctx, q, actor.TeamID)
			if err != nil {
				return fmt.Errorf("count owners: %w", err)
			}
			if owners <= 1 {
				return ErrLastOwner
			}
		}
		updated, err := a.store.UpdateRole(ctx, q, actor.TeamID, userID, newRole)
		if err != nil {
			return fmt.Errorf("update role: %w", err)
		}
		if !updated {
			return ErrNoAccess
		}
		revoked, err := a.sessions.RevokeAllForUser(ctx, q, userID, session.ReasonRoleChange, "")
		if err != nil {
			return err
		}
		a.log.InfoContext(ctx, "member role changed",
			"team_id", actor.TeamID, "user_id", userID,
			"from", string(current.Role), "to", string(newRole),
			"sessions_revoked", revoked)
		_, err = a.recorder.Append(ctx, q, audit.Entry{
			EventType:    audit.EventRoleChanged,
			ActorType:    audit.ActorUser,
			ActorID:      actor.UserID,
			TeamID:       actor.TeamID,
			ResourceType: "membership",
			ResourceID:   userID,
			Action:       "change_role",
			Metadata: map[string]any{
				"from":             string(current.Role),
				"to":               string(newRole),
				"sessions_revoked": revoked,
			},
		})
		return err
	})
}

// RemoveMember soft-deletes a membership and revokes the member's sessions
// in the same transaction. The row survives for audit history.
func (a *Authorizer) RemoveMember(ctx context.Context, actor *Context, userID string) error {
	if !actor.Role.AtLeast(RoleAdmin) {
		return &RoleError{Need: RoleAdmin, Have: actor.Role}
	}
	current, err := a.store.MembershipContext(ctx, a.db, userID, actor.TeamID)
	if err != nil {
		return err
	}
	if current.Role == RoleOwner && actor.Role != RoleOwner {
		return &RoleError{Need: RoleOwner, Have: actor.Role}
	}

	return a.tx.Transact(ctx, storage.TxOptions{Isolation: storage.ReadCommitted}, func(q storage.Querier) error {
		if current.Role == RoleOwner {
			owners, err := a.store.CountOwners(ctx, q, actor.TeamID)
			if err != nil {
				return fmt.Errorf("count owners: %w", err)
			}
			if owners <= 1 {
				return ErrLastOwner
			}
		}
		removed, err := a.store.DeactivateMember(ctx, q, actor.TeamID, userID)
		if err != nil {
			return fmt.Errorf("deactivate member: %w", err)
		}
		if !removed {
			return ErrNoAccess
		}
		revoked, err := a.sessions.RevokeAllForUser(ctx, q, userID, session.ReasonTeamChange, "")
		if err != nil {
			return err
		}
		_, err = a.recorder.Append(ctx, q, audit.Entry{
			EventType:    audit.EventMemberRemoved,
			ActorType:    audit.ActorUser,
			ActorID:      actor.UserID,
			TeamID:       actor.TeamID,
			ResourceType: "membership",
			ResourceID:   userID,
			Action:       "remove",
			Metadata:     map[string]any{"sessions_revoked": revoked},
		})
		return err
	})
}
