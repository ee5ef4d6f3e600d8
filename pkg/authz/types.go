package authz

import "sort"

// Capability strings. Fine-grained; one per action class.
const (
	PermOrgBilling      = "organization:billing"
	PermOrgManage       = "organization:manage"
	PermPermissionsView = "permissions:view"

	PermUsersRead       = "users:read"
	PermUsersSuspend    = "users:suspend"
	PermUsersActivate   = "users:activate"
	PermUsersDelete     = "users:delete"
	PermUsersRoleChange = "users:role_change"
	PermUsersExport     = "users:export"

	PermImpersonationStart    = "impersonation:start"
	PermImpersonationStop     = "impersonation:stop"
	PermImpersonationOverride = "impersonation:override"
	PermImpersonationView     = "impersonation:view"

	PermJobsSubmit = "jobs:submit"
	PermJobsView   = "jobs:view"
	PermJobsCancel = "jobs:cancel"

	PermAuditView   = "audit:view"
	PermAuditExport = "audit:export"
)

// Role names, upper-cased as stored in the table
const (
	RoleSuperAdmin = "SUPER-ADMIN"
	RoleAdmin      = "ADMIN"
	RoleSupport    = "SUPPORT"
	RoleAuditor    = "AUDITOR"
	RoleMember     = "MEMBER"
)

// DefaultRole is the table entry unknown role strings degrade to
const DefaultRole = RoleMember

// PermissionSet is a set of capability strings derived once per request.
// Never mutated after creation.
type PermissionSet map[string]struct{}

// NewPermissionSet builds a set from capability strings
func NewPermissionSet(perms ...string) PermissionSet {
	set := make(PermissionSet, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return set
}

// Has reports whether the capability is present
func (s PermissionSet) Has(capability string) bool {
	_, ok := s[capability]
	return ok
}

// List returns the capabilities in sorted order
func (s PermissionSet) List() []string {
	out := make([]string, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Decision is the result of resolving required capabilities against claims
type Decision struct {
	Granted bool
	// Missing names every required capability absent from the union.
	// Populated only when Granted is false.
	Missing []string
	// Permissions is the full resolved set, useful for diagnostics
	Permissions PermissionSet
}

// builtinRoles is the default role-permission table. Entries are ordered
// lists; an org override replaces the whole entry for a role.
func builtinRoles() map[string][]string {
	all := []string{
		PermOrgBilling, PermOrgManage, PermPermissionsView,
		PermUsersRead, PermUsersSuspend, PermUsersActivate,
		PermUsersDelete, PermUsersRoleChange, PermUsersExport,
		PermImpersonationStart, PermImpersonationStop,
		PermImpersonationOverride, PermImpersonationView,
		PermJobsSubmit, PermJobsView, PermJobsCancel,
		PermAuditView, PermAuditExport,
	}

	return map[string][]string{
		RoleSuperAdmin: all,
		RoleAdmin: {
			PermOrgManage, PermPermissionsView,
			PermUsersRead, PermUsersSuspend, PermUsersActivate,
			PermUsersRoleChange, PermUsersExport,
			PermImpersonationStart, PermImpersonationStop, PermImpersonationView,
			PermJobsSubmit, PermJobsView, PermJobsCancel,
			PermAuditView,
		},
		RoleSupport: {
			PermPermissionsView, PermUsersRead,
			PermImpersonationStart, PermImpersonationStop, PermImpersonationView,
			PermAuditView,
		},
		RoleAuditor: {
			PermPermissionsView, PermUsersRead,
			PermAuditView, PermAuditExport,
		},
		RoleMember: {
			PermPermissionsView,
		},
	}
}
