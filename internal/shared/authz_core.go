package shared

// Permission codes guarding the access administration API.
const (
	PermPermissionsView   = "rbac.permissions.view"
	PermPermissionsManage = "rbac.permissions.manage"

	PermGroupsView   = "rbac.groups.view"
	PermGroupsManage = "rbac.groups.manage"

	PermDesignationsView   = "rbac.designations.view"
	PermDesignationsManage = "rbac.designations.manage"

	PermOverridesView    = "rbac.overrides.view"
	PermOverridesManage  = "rbac.overrides.manage"
	PermOverridesApprove = "rbac.overrides.approve"

	PermEffectiveView = "rbac.effective.view"
	PermAuditView     = "rbac.audit.view"
	PermAuditExport   = "rbac.audit.export"

	PermUsersView = "rbac.users.view"
)

// CoreScopes lists all permissions related to access administration.
func CoreScopes() []string {
	return []string{
		PermPermissionsView,
		PermPermissionsManage,
		PermGroupsView,
		PermGroupsManage,
		PermDesignationsView,
		PermDesignationsManage,
		PermOverridesView,
		PermOverridesManage,
		PermOverridesApprove,
		PermEffectiveView,
		PermAuditView,
		PermAuditExport,
		PermUsersView,
	}
}
