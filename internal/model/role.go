package model

// Role is an RBAC role carried by an API key or JWT.
type Role string

const (
	RoleOrgAdmin       Role = "ORG-ADMIN"
	RoleTaskAdmin      Role = "TASK-ADMIN"
	RoleValidationUser Role = "VALIDATION-USER"
	RoleOrgAuditor     Role = "ORG-AUDITOR"
)

// Permission is an action a route requires.
type Permission string

const (
	PermValidate      Permission = "validate"
	PermReadTasks     Permission = "tasks:read"
	PermWriteTasks    Permission = "tasks:write"
	PermReadTraces    Permission = "traces:read"
	PermWriteTraces   Permission = "traces:write"
	PermWriteFeedback Permission = "feedback:write"
	PermManageKeys    Permission = "keys:manage"
	PermReadUsage     Permission = "usage:read"
)

var rolePermissions = map[Role]map[Permission]bool{
	RoleOrgAdmin: {
		PermValidate: true, PermReadTasks: true, PermWriteTasks: true,
		PermReadTraces: true, PermWriteTraces: true, PermWriteFeedback: true,
		PermManageKeys: true, PermReadUsage: true,
	},
	RoleTaskAdmin: {
		PermReadTasks: true, PermWriteTasks: true,
		PermReadTraces: true, PermWriteTraces: true, PermReadUsage: true,
	},
	RoleValidationUser: {
		PermValidate: true, PermReadTasks: true, PermWriteTraces: true, PermWriteFeedback: true,
	},
	RoleOrgAuditor: {
		PermReadTasks: true, PermReadTraces: true, PermReadUsage: true,
	},
}

// ValidRole reports whether r is a known role.
func ValidRole(r Role) bool {
	_, ok := rolePermissions[r]
	return ok
}

// RolesAllow reports whether any of roles grants perm.
func RolesAllow(roles []Role, perm Permission) bool {
	for _, r := range roles {
		if rolePermissions[r][perm] {
			return true
		}
	}
	return false
}
