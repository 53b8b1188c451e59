// Package team implements team-scoped authorization: role hierarchy,
// membership context resolution, and membership management with session
// revocation on privilege change.
package team

import (
	"errors"
	"fmt"
	"strings"
)

// Role is a member's privilege level within a team.
type Role string

const (
	RoleOwner  Role = "OWNER"
	RoleAdmin  Role = "ADMIN"
	RoleMember Role = "MEMBER"
	RoleViewer Role = "VIEWER"
)

var roleRanks = map[Role]int{
	RoleOwner:  4,
	RoleAdmin:  3,
	RoleMember: 2,
	RoleViewer: 1,
}

// ParseRole normalizes and validates a role name.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := roleRanks[r]; !ok {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// Rank returns the role's position in the hierarchy; zero for unknown roles.
func (r Role) Rank() int { return roleRanks[r] }

// AtLeast reports whether r carries at least the privileges of min.
func (r Role) AtLeast(min Role) bool { return r.Rank() >= min.Rank() }

// Context is the resolved authorization state of one user in one team. It
// is read fresh from the database per request, never cached: a role change
// must be visible on the very next request.
type Context struct {
	UserID   string
	TeamID   string
	TeamName string
	Role     Role
}

// Membership is one row of a user's team listing.
type Membership struct {
	TeamID   string
	TeamName string
	Role     Role
}

var (
	// ErrNoAccess reports that the user has no active membership in the
	// team, or the team does not exist. The two cases are deliberately
	// indistinguishable to callers.
	ErrNoAccess = errors.New("team: access denied")
	// ErrLastOwner reports an operation that would leave a team with no
	// owner.
	ErrLastOwner = errors.New("team: cannot remove the last owner")
)

// RoleError reports an operation attempted with insufficient privileges.
type RoleError struct {
	Need Role
	Have Role
}

func (e *RoleError) Error() string {
	return fmt.Sprintf("team: role %s required, have %s", e.Need, e.Have)
}
