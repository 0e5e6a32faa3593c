// Package rbac centralizes every authorization decision for issue
// mutations. Call sites never compare role strings directly; they ask Can.
package rbac

type Role string
type Action string

const (
	RoleDeveloper  Role = "Developer"
	RoleReporter   Role = "Reporter"
	RoleManager    Role = "Manager"
	RoleSuperAdmin Role = "super_admin"
)

const (
	ActionCreateIssue     Action = "create_issue"
	ActionStartProgress   Action = "start_progress"
	ActionCloseIssue      Action = "close_issue"
	ActionReopenIssue     Action = "reopen_issue"
	ActionArchive         Action = "archive"
	ActionArchiveBreached Action = "archive_breached"
	ActionReassign        Action = "reassign"
	ActionSetPriority     Action = "set_priority"
	ActionComment         Action = "comment"
	ActionExport          Action = "export"
)

// Can reports whether a role may perform an action. isAssignee covers the
// ownership dimension: closing an issue is allowed for its assignee even
// without an elevated role.
func Can(role Role, action Action, isAssignee bool) bool {
	switch action {
	case ActionCreateIssue, ActionStartProgress, ActionComment:
		return true
	case ActionCloseIssue:
		return isAssignee || role == RoleManager || role == RoleSuperAdmin
	case ActionReopenIssue:
		// Done is not terminal; anyone may pull an issue back.
		return true
	case ActionArchive:
		return true
	case ActionArchiveBreached:
		return role == RoleSuperAdmin
	case ActionReassign, ActionSetPriority, ActionExport:
		return role == RoleManager || role == RoleSuperAdmin
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleDeveloper, RoleReporter, RoleManager, RoleSuperAdmin:
		return Role(role)
	default:
		return RoleReporter
	}
}

// Valid reports whether the string names one of the closed set of roles.
func Valid(role string) bool {
	switch Role(role) {
	case RoleDeveloper, RoleReporter, RoleManager, RoleSuperAdmin:
		return true
	default:
		return false
	}
}
