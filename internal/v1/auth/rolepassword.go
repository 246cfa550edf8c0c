package auth

import (
	"crypto/subtle"

	"github.com/parleyhq/parley/internal/v1/types"
)

// RolePasswords holds the deployment-wide secrets gating the privileged
// roles. An empty secret disables that role entirely.
type RolePasswords struct {
	Owner string
	Admin string
}

// Verify checks the supplied password for the requested role. Roles below
// admin never require a password and always pass.
func (rp RolePasswords) Verify(role types.RoleType, supplied string) bool {
	if !role.RequiresRolePassword() {
		return true
	}
	var want string
	switch role {
	case types.RoleTypeOwner:
		want = rp.Owner
	case types.RoleTypeAdmin:
		want = rp.Admin
	}
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(supplied)) == 1
}
