package domain

// Role is a chat-scoped authority level. ChatMember role is the sole
// authority source for chat actions; there is no global admin role.
type Role string

const (
	RoleOwner  Role = "OWNER"
	RoleAdmin  Role = "ADMIN"
	RoleMember Role = "MEMBER"
)

// ValidRole reports whether r is one of the known roles.
func ValidRole(r Role) bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleMember:
		return true
	}
	return false
}

// HasAuthority reports whether r carries chat authority (ADMIN or OWNER).
func (r Role) HasAuthority() bool { return r == RoleOwner || r == RoleAdmin }

// Action is a chat-scoped capability checked against the permission matrix.
type Action string

const (
	ActionAddMember       Action = "add_member"
	ActionRemoveMember    Action = "remove_member"
	ActionPromoteMember   Action = "promote_member"
	ActionDemoteMember    Action = "demote_member"
	ActionEditChatInfo    Action = "edit_chat_info"
	ActionCreateTask      Action = "create_task"
	ActionAssignTaskOwner Action = "assign_task_owner"
	ActionApproveTask     Action = "approve_task"
	ActionReopenTask      Action = "reopen_task"
	ActionSendMessage     Action = "send_message"
	ActionCompleteOwnTask Action = "complete_own_task"
	ActionViewSummary     Action = "view_summary"
)

// The matrix is additive: OWNER inherits ADMIN, ADMIN inherits MEMBER.
// Target-role constraints (e.g. ADMIN may only remove MEMBERs) are enforced
// where both roles are known, in the membership code; the matrix only
// answers whether the actor's role may attempt the action at all.
var memberActions = map[Action]struct{}{
	ActionSendMessage:     {},
	ActionCompleteOwnTask: {},
	ActionViewSummary:     {},
}

var adminActions = map[Action]struct{}{
	ActionAddMember:       {},
	ActionRemoveMember:    {},
	ActionEditChatInfo:    {},
	ActionCreateTask:      {},
	ActionAssignTaskOwner: {},
	ActionApproveTask:     {},
	ActionReopenTask:      {},
}

var ownerActions = map[Action]struct{}{
	ActionPromoteMember: {},
	ActionDemoteMember:  {},
}

// Allowed is the permission matrix: a pure (role, action) lookup with no
// I/O, so callers can fail fast before touching storage.
func Allowed(role Role, action Action) bool {
	if _, ok := memberActions[action]; ok {
		return true
	}
	if _, ok := adminActions[action]; ok {
		return role.HasAuthority()
	}
	if _, ok := ownerActions[action]; ok {
		return role == RoleOwner
	}
	return false
}

// Authorize wraps Allowed in the Forbidden error shape used by commands.
func Authorize(role Role, action Action) error {
	if !Allowed(role, action) {
		return Forbiddenf("role %s is not allowed to %s", role, action)
	}
	return nil
}
