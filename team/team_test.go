package team

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"edbase/audit"
	"edbase/session"
	"edbase/storage"
	"edbase/storage/storagetest"
)

type memberKey struct {
	teamID string
	userID string
}

type memberRow struct {
	role   Role
	active bool
}

type memoryStore struct {
	teams   map[string]string
	members map[memberKey]*memberRow
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		teams:   make(map[string]string),
		members: make(map[memberKey]*memberRow),
	}
}

func (m *memoryStore) MembershipContext(ctx context.Context, q storage.Querier, userID, teamID string) (*Context, error) {
	name, ok := m.teams[teamID]
	if !ok {
		return nil, ErrNoAccess
	}
	row, ok := m.members[memberKey{teamID, userID}]
	if !ok || !row.active {
		return nil, ErrNoAccess
	}
	return &Context{UserID: userID, TeamID: teamID, TeamName: name, Role: row.role}, nil
}

func (m *memoryStore) TeamsFor(ctx context.Context, q storage.Querier, userID string) ([]Membership, error) {
	var out []Membership
	for key, row := range m.members {
		if key.userID != userID || !row.active {
			continue
		}
		out = append(out, Membership{TeamID: key.teamID, TeamName: m.teams[key.teamID], Role: row.role})
	}
	return out, nil
}

func (m *memoryStore) UpsertMember(ctx context.Context, q storage.Querier, teamID, userID string, role Role) error {
	m.members[memberKey{teamID, userID}] = &memberRow{role: role, active: true}
	return nil
}

func (m *memoryStore) UpdateRole(ctx context.Context, q storage.Querier, teamID, userID string, role Role) (bool, error) {
	row, ok := m.members[memberKey{teamID, userID}]
	if !ok || !row.active {
		return false, nil
	}
	row.role = role
	return true, nil
}

func (m *memoryStore) DeactivateMember(ctx context.Context, q storage.Querier, teamID, userID string) (bool, error) {
	row, ok := m.members[memberKey{teamID, userID}]
	if !ok || !row.active {
		return false, nil
	}
	row.active = false
	return true, nil
}

func (m *memoryStore) CountOwners(ctx context.Context, q storage.Querier, teamID string) (int, error) {
	n := 0
	for key, row := range m.members {
		if key.teamID == teamID && row.active && row.role == RoleOwner {
			n++
		}
	}
	return n, nil
}

// stubSessionStore records revocation sweeps triggered by membership changes.
type stubSessionStore struct {
	revokedUsers   []string
	revokedReasons []string
}

func (s *stubSessionStore) Insert(ctx context.Context, q storage.Querier, sess *session.Session) error {
	return nil
}

func (s *stubSessionStore) ByTokenHash(ctx context.Context, q storage.Querier, hash string) (*session.Session, error) {
	return nil, session.ErrNotFound
}

func (s *stubSessionStore) ByRefreshHash(ctx context.Context, q storage.Querier, hash string) (*session.Session, error) {
	return nil, session.ErrNotFound
}

func (s *stubSessionStore) Touch(ctx context.Context, q storage.Querier, id string, at time.Time) error {
	return nil
}

func (s *stubSessionStore) Revoke(ctx context.Context, q storage.Querier, id, reason string, at time.Time) (bool, error) {
	return true, nil
}

func (s *stubSessionStore) RevokeAllForUser(ctx context.Context, q storage.Querier, userID, reason, excludeID string, at time.Time) (int64, error) {
	s.revokedUsers = append(s.revokedUsers, userID)
	s.revokedReasons = append(s.revokedReasons, reason)
	return 2, nil
}

func (s *stubSessionStore) RevokeForTeam(ctx context.Context, q storage.Querier, teamID, reason string, at time.Time) (int64, error) {
	return 0, nil
}

func (s *stubSessionStore) DeleteExpiredBefore(ctx context.Context, q storage.Querier, cutoff time.Time, limit int) (int64, error) {
	return 0, nil
}

func newTestAuthorizer(t *testing.T) (*Authorizer, *memoryStore, *stubSessionStore, *storagetest.Transactor) {
	t.Helper()
	store := newMemoryStore()
	sessStore := &stubSessionStore{}
	tx := storagetest.NewTransactor()
	recorder := audit.NewRecorder("audit-secret", nil)
	sessions := session.NewEngine(sessStore, storagetest.Querier{}, recorder, nil)
	authz := NewAuthorizer(store, storagetest.Querier{}, tx, sessions, recorder, nil)
	return authz, store, sessStore, tx
}

func seedTeam(store *memoryStore) {
	store.teams["team-1"] = "Platform"
	store.members[memberKey{"team-1", "owner-1"}] = &memberRow{role: RoleOwner, active: true}
	store.members[memberKey{"team-1", "admin-1"}] = &memberRow{role: RoleAdmin, active: true}
	store.members[memberKey{"team-1", "member-1"}] = &memberRow{role: RoleMember, active: true}
	store.members[memberKey{"team-1", "viewer-1"}] = &memberRow{role: RoleViewer, active: true}
}

func TestRoleHierarchy(t *testing.T) {
	require.True(t, RoleOwner.AtLeast(RoleAdmin))
	require.True(t, RoleAdmin.AtLeast(RoleMember))
	require.False(t, RoleViewer.AtLeast(RoleMember))
	require.True(t, RoleMember.AtLeast(RoleMember))

	_, err := ParseRole("superuser")
	require.Error(t, err)
	r, err := ParseRole(" admin ")
	require.NoError(t, err)
	require.Equal(t, RoleAdmin, r)
}

func TestContextForDeniesInactiveAndMissing(t *testing.T) {
	authz, store, _, _ := newTestAuthorizer(t)
	seedTeam(store)
	ctx := context.Background()

	got, err := authz.ContextFor(ctx, "member-1", "team-1")
	require.NoError(t, err)
	require.Equal(t, RoleMember, got.Role)
	require.Equal(t, "Platform", got.TeamName)

	_, err = authz.ContextFor(ctx, "stranger", "team-1")
	require.ErrorIs(t, err, ErrNoAccess)

	store.members[memberKey{"team-1", "member-1"}].active = false
	_, err = authz.ContextFor(ctx, "member-1", "team-1")
	require.ErrorIs(t, err, ErrNoAccess)

	_, err = authz.ContextFor(ctx, "member-1", "ghost-team")
	require.ErrorIs(t, err, ErrNoAccess)
}

func TestRequireEnforcesMinimumRole(t *testing.T) {
	authz, store, _, _ := newTestAuthorizer(t)
	seedTeam(store)
	ctx := context.Background()

	_, err := authz.Require(ctx, "viewer-1", "team-1", RoleMember)
	var roleErr *RoleError
	require.ErrorAs(t, err, &roleErr)
	require.Equal(t, RoleMember, roleErr.Need)
	require.Equal(t, RoleViewer, roleErr.Have)

	_, err = authz.Require(ctx, "admin-1", "team-1", RoleMember)
	require.NoError(t, err)
}

func TestAddMemberPermissions(t *testing.T) {
	authz, store, _, _ := newTestAuthorizer(t)
	seedTeam(store)
	ctx := context.Background()

	member, err := authz.ContextFor(ctx, "member-1", "team-1")
	require.NoError(t, err)
	err = authz.AddMember(ctx, member, "new-user", RoleViewer)
	var roleErr *RoleError
	require.ErrorAs(t, err, &roleErr)

	admin, err := authz.ContextFor(ctx, "admin-1", "team-1")
	require.NoError(t, err)
	// Admins cannot grant OWNER.
	err = authz.AddMember(ctx, admin, "new-user", RoleOwner)
	require.ErrorAs(t, err, &roleErr)
	require.Equal(t, RoleOwner, roleErr.Need)

	require.NoError(t, authz.AddMember(ctx, admin, "new-user", RoleMember))
	got, err := authz.ContextFor(ctx, "new-user", "team-1")
	require.NoError(t, err)
	require.Equal(t, RoleMember, got.Role)
}

func TestChangeRoleRevokesSessionsInTransaction(t *testing.T) {
	authz, store, sessStore, tx := newTestAuthorizer(t)
	seedTeam(store)
	ctx := context.Background()

	admin, err := authz.ContextFor(ctx, "admin-1", "team-1")
	require.NoError(t, err)
	require.NoError(t, authz.ChangeRole(ctx, admin, "member-1", RoleViewer))

	require.Equal(t, RoleViewer, store.members[memberKey{"team-1", "member-1"}].role)
	require.Equal(t, []string{"member-1"}, sessStore.revokedUsers)
	require.Equal(t, []string{session.ReasonRoleChange}, sessStore.revokedReasons)
	require.Equal(t, 1, tx.Transactions)
}

func TestChangeRoleOwnerRules(t *testing.T) {
	authz, store, _, _ := newTestAuthorizer(t)
	seedTeam(store)
	ctx := context.Background()

	admin, err := authz.ContextFor(ctx, "admin-1", "team-1")
	require.NoError(t, err)

	// Admin cannot demote an owner.
	err = authz.ChangeRole(ctx, admin, "owner-1", RoleMember)
	var roleErr *RoleError
	require.ErrorAs(t, err, &roleErr)
	require.Equal(t, RoleOwner, roleErr.Need)

	// The sole owner cannot demote themselves.
	owner, err := authz.ContextFor(ctx, "owner-1", "team-1")
	require.NoError(t, err)
	require.ErrorIs(t, authz.ChangeRole(ctx, owner, "owner-1", RoleAdmin), ErrLastOwner)

	// With a second owner the demotion goes through.
	store.members[memberKey{"team-1", "owner-2"}] = &memberRow{role: RoleOwner, active: true}
	require.NoError(t, authz.ChangeRole(ctx, owner, "owner-1", RoleAdmin))
}

func TestRemoveMemberSoftDeletesAndRevokes(t *testing.T) {
	authz, store, sessStore, _ := newTestAuthorizer(t)
	seedTeam(store)
	ctx := context.Background()

	admin, err := authz.ContextFor(ctx, "admin-1", "team-1")
	require.NoError(t, err)
	require.NoError(t, authz.RemoveMember(ctx, admin, "member-1"))

	row := store.members[memberKey{"team-1", "member-1"}]
	require.False(t, row.active)
	require.Equal(t, []string{"member-1"}, sessStore.revokedUsers)
	require.Equal(t, []string{session.ReasonTeamChange}, sessStore.revokedReasons)
}

func TestRemoveLastOwnerBlocked(t *testing.T) {
	authz, store, _, _ := newTestAuthorizer(t)
	seedTeam(store)
	ctx := context.Background()

	owner, err := authz.ContextFor(ctx, "owner-1", "team-1")
	require.NoError(t, err)
	require.ErrorIs(t, authz.RemoveMember(ctx, owner, "owner-1"), ErrLastOwner)
}
