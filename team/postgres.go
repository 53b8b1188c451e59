package team

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"edbase/storage"
)

// Store is the persistence surface the authorizer depends on.
type Store interface {
	MembershipContext(ctx context.Context, q storage.Querier, userID, teamID string) (*Context, error)
	TeamsFor(ctx context.Context, q storage.Querier, userID string) ([]Membership, error)
	UpsertMember(ctx context.Context, q storage.Querier, teamID, userID string, role Role) error
	UpdateRole(ctx context.Context, q storage.Querier, teamID, userID string, role Role) (bool, error)
	DeactivateMember(ctx context.Context, q storage.Querier, teamID, userID string) (bool, error)
	CountOwners(ctx context.Context, q storage.Querier, teamID string) (int, error)
}

// PGStore is the Postgres-backed Store.
type PGStore struct{}

// membershipContext joins memberships with teams so a deleted team denies
// access in the same query that checks the membership.
const membershipContext = `
SELECT m.role, t.name
FROM team_memberships m
JOIN teams t ON t.id = m.team_id
WHERE m.user_id = $1
  AND m.team_id = $2
  AND m.is_active = true
  AND t.deleted_at IS NULL`

func (PGStore) MembershipContext(ctx context.Context, q storage.Querier, userID, teamID string) (*Context, error) {
	var (
		role string
		name string
	)
	err := q.QueryRow(ctx, membershipContext, userID, teamID).Scan(&role, &name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoAccess
		}
		return nil, err
	}
	parsed, err := ParseRole(role)
	if err != nil {
		return nil, err
	}
	return &Context{UserID: userID, TeamID: teamID, TeamName: name, Role: parsed}, nil
}

const teamsForUser = `
SELECT m.team_id, t.name, m.role
FROM team_memberships m
JOIN teams t ON t.id = m.team_id
WHERE m.user_id = $1
  AND m.is_active = true
  AND t.deleted_at IS NULL
ORDER BY t.name`

func (PGStore) TeamsFor(ctx context.Context, q storage.Querier, userID string) ([]Membership, error) {
	rows, err := q.Query(ctx, teamsForUser, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Membership
	for rows.Next() {
		var (
			m    Membership
			role string
		)
		if err := rows.Scan(&m.TeamID, &m.TeamName, &role); err != nil {
			return nil, err
		}
		if m.Role, err = ParseRole(role); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// upsertMember reactivates a previously removed member rather than
// inserting a duplicate row.
const upsertMember = `
INSERT INTO team_memberships (team_id, user_id, role, is_active, created_at, updated_at)
VALUES ($1, $2, $3, true, now(), now())
ON CONFLICT (team_id, user_id)
DO UPDATE SET role = EXCLUDED.role, is_active = true, updated_at = now()`

func (PGStore) UpsertMember(ctx context.Context, q storage.Querier, teamID, userID string, role Role) error {
	_, err := q.Exec(ctx, upsertMember, teamID, userID, string(role))
	return err
}

const updateRole = `
UPDATE team_memberships
SET role = $3, updated_at = now()
WHERE team_id = $1 AND user_id = $2 AND is_active = true`

func (PGStore) UpdateRole(ctx context.Context, q storage.Querier, teamID, userID string, role Role) (bool, error) {
	tag, err := q.Exec(ctx, updateRole, teamID, userID, string(role))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

const deactivateMember = `
UPDATE team_memberships
SET is_active = false, updated_at = now()
WHERE team_id = $1 AND user_id = $2 AND is_active = true`

func (PGStore) DeactivateMember(ctx context.Context, q storage.Querier, teamID, userID string) (bool, error) {
	tag, err := q.Exec(ctx, deactivateMember, teamID, userID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

const countOwners = `
SELECT count(*)
FROM team_memberships
WHERE team_id = $1 AND role = 'OWNER' AND is_active = true`

func (PGStore) CountOwners(ctx context.Context, q storage.Querier, teamID string) (int, error) {
	var n int
	if err := q.QueryRow(ctx, countOwners, teamID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
