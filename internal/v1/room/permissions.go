package room

import (
	"k8s.io/utils/set"

	"github.com/parleyhq/parley/internal/v1/types"
)

// Permission names one gated operation.
type Permission string

const (
	PermMessageSend      Permission = "message:send"
	PermMessageEditOwn   Permission = "message:edit_own"
	PermMessageEditAny   Permission = "message:edit_any"
	PermMessageDeleteOwn Permission = "message:delete_own"
	PermMessageDeleteAny Permission = "message:delete_any"
	PermUserInvite       Permission = "user:invite"
	PermUserKick         Permission = "user:kick"
	PermUserChangeRole   Permission = "user:change_role"
	PermAITrigger        Permission = "ai:trigger"
	PermFileManage       Permission = "file:*"
	PermSessionManage    Permission = "session:*"
)

// rolePermissions is the fixed role→permission table. Guests read only;
// members get the full collaboration surface; admin and owner add moderation.
var rolePermissions = map[types.RoleType]set.Set[Permission]{
	types.RoleTypeGuest: set.New[Permission](),
	types.RoleTypeAI: set.New(
		PermMessageSend,
	),
	types.RoleTypeMember: set.New(
		PermMessageSend,
		PermMessageEditOwn,
		PermMessageDeleteOwn,
		PermAITrigger,
		PermFileManage,
	),
	types.RoleTypeAdmin: set.New(
		PermMessageSend,
		PermMessageEditOwn,
		PermMessageEditAny,
		PermMessageDeleteOwn,
		PermMessageDeleteAny,
		PermUserInvite,
		PermUserKick,
		PermUserChangeRole,
		PermAITrigger,
		PermFileManage,
		PermSessionManage,
	),
	types.RoleTypeOwner: set.New(
		PermMessageSend,
		PermMessageEditOwn,
		PermMessageEditAny,
		PermMessageDeleteOwn,
		PermMessageDeleteAny,
		PermUserInvite,
		PermUserKick,
		PermUserChangeRole,
		PermAITrigger,
		PermFileManage,
		PermSessionManage,
	),
}

// HasPermission reports whether a role may perform the operation.
func HasPermission(role types.RoleType, perm Permission) bool {
	perms, ok := rolePermissions[role]
	if !ok {
		return false
	}
	return perms.Has(perm)
}

// CanManage reports whether actor may kick or otherwise manage target.
// Only strictly lower ranks can be managed; the owner is untouchable.
func CanManage(actor, target types.RoleType) bool {
	if target == types.RoleTypeOwner {
		return false
	}
	return actor.Rank() > target.Rank()
}

// CanAssign reports whether actor may assign newRole to someone. Roles are
// only assignable strictly below the actor's own rank.
func CanAssign(actor, newRole types.RoleType) bool {
	if !newRole.IsValid() {
		return false
	}
	return newRole.Rank() < actor.Rank()
}
