package shared

// Core platform permissions guarding the administrative surface.
const (
	PermRolesView = "roles.view"
	PermRolesEdit = "roles.edit"

	PermPermissionsView = "permissions.view"

	PermAssignmentsView = "assignments.view"
	PermAssignmentsEdit = "assignments.edit"

	PermUsersView   = "users.view"
	PermCacheManage = "cache.manage"
)

// CoreScopes lists all permissions related to the authorization core.
func CoreScopes() []string {
	return []string{
		PermRolesView,
		PermRolesEdit,
		PermPermissionsView,
		PermAssignmentsView,
		PermAssignmentsEdit,
		PermUsersView,
		PermCacheManage,
	}
}
