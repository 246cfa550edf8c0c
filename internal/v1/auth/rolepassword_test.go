package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/parleyhq/parley/internal/v1/types"
)

func TestRolePasswords_Verify(t *testing.T) {
	rp := RolePasswords{Owner: "owner-secret", Admin: "admin-secret"}

	assert.True(t, rp.Verify(types.RoleTypeOwner, "owner-secret"))
	assert.True(t, rp.Verify(types.RoleTypeAdmin, "admin-secret"))
	assert.False(t, rp.Verify(types.RoleTypeOwner, "admin-secret"))
	assert.False(t, rp.Verify(types.RoleTypeAdmin, ""))
}

func TestRolePasswords_UnprivilegedRolesPass(t *testing.T) {
	rp := RolePasswords{Owner: "owner-secret"}

	assert.True(t, rp.Verify(types.RoleTypeMember, ""))
	assert.True(t, rp.Verify(types.RoleTypeGuest, "anything"))
}

func TestRolePasswords_EmptySecretDisablesRole(t *testing.T) {
	rp := RolePasswords{}

	assert.False(t, rp.Verify(types.RoleTypeOwner, "guess"))
	assert.False(t, rp.Verify(types.RoleTypeAdmin, "guess"))
}
