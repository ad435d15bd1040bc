package rbac

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildSummary(t *testing.T) {
	perms := []EffectivePermission{
		{Code: "audit.view", Category: "audit", PermissionType: TypeReporting, RiskLevel: RiskLow, Effect: EffectAllow, Level: LevelGranted, Source: SourceDesignation},
		{Code: "site.read", Category: "site", PermissionType: TypeFunctional, RiskLevel: RiskMedium, Effect: EffectAllow, Level: LevelConditional, Source: SourceGroup, RequiresMFA: true, Scope: Scope{Geographic: []string{"EU"}}},
		{Code: "site.delete", Category: "site", PermissionType: TypeFunctional, RiskLevel: RiskHigh, Effect: EffectAllow, Level: LevelDenied, Source: SourceUserOverride, RestrictionApplied: true},
		{Code: "reports.export", Category: "", PermissionType: TypeReporting, RiskLevel: RiskHigh, Effect: EffectAllow, Level: LevelGranted, Source: SourceUserAddition},
	}
	s := BuildSummary(perms)

	assert.Equal(t, 3, s.TotalPermissions)
	assert.Equal(t, map[string]int{"audit": 1, "site": 1, "uncategorized": 1}, s.ByCategory)
	assert.Equal(t, map[string]int{"low": 1, "medium": 1, "high": 1}, s.ByRiskLevel)
	assert.Equal(t, map[string]int{"reporting": 2, "functional": 1}, s.ByPermissionType)
	assert.Equal(t, []string{"site.read"}, s.MFARequired)
	assert.Equal(t, []string{"site.read"}, s.Conditional)
	assert.Equal(t, []string{"site.delete"}, s.Restricted)
	assert.Len(t, s.ScopeLimitations, 1)
	assert.Equal(t, 1, s.HighRiskCount)
	assert.False(t, s.AdministrativeAccess)

	shares := s.Shares()
	assert.InDelta(t, 33.3, shares.Designation, 0.01)
	assert.InDelta(t, 33.3, shares.Group, 0.01)
	assert.InDelta(t, 33.3, shares.Override, 0.01)
}

func TestBuildSummaryAdministrativeAccess(t *testing.T) {
	admin := BuildSummary([]EffectivePermission{{Code: "users.manage", PermissionType: TypeAdministrative, RiskLevel: RiskLow, Effect: EffectAllow, Level: LevelGranted}})
	assert.True(t, admin.AdministrativeAccess)

	critical := BuildSummary([]EffectivePermission{{Code: "db.drop", PermissionType: TypeSystem, RiskLevel: RiskCritical, Effect: EffectAllow, Level: LevelGranted}})
	assert.True(t, critical.AdministrativeAccess)

	restricted := BuildSummary([]EffectivePermission{{Code: "db.drop", PermissionType: TypeAdministrative, RiskLevel: RiskCritical, Effect: EffectAllow, Level: LevelDenied}})
	assert.False(t, restricted.AdministrativeAccess)
	assert.Zero(t, restricted.TotalPermissions)
}

func TestSummaryEmpty(t *testing.T) {
	s := BuildSummary(nil)
	assert.Zero(t, s.TotalPermissions)
	assert.NotNil(t, s.MFARequired)
	assert.Equal(t, SourceShare{}, s.Shares())
}
