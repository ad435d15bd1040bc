package permissions

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

func newTestService(store *fakeStore, checker AccessChecker) (*Service, *recordingInvalidator) {
	inv := &recordingInvalidator{}
	return NewService(store, inv, checker, nil, 4), inv
}

func TestCreateDerivesResourceAndTemplate(t *testing.T) {
	store := newFakeStore()
	svc, _ := newTestService(store, nil)

	p, err := svc.Create(context.Background(), CreateInput{
		Code:           "Site.Read_Create",
		Name:           "Site read and create",
		Category:       "operations",
		PermissionType: "functional",
		RiskLevel:      "medium",
	})
	require.NoError(t, err)
	assert.Equal(t, "site.read_create", p.Code)
	assert.Equal(t, "site", p.Resource)
	assert.Equal(t, []string{"read", "create"}, p.Actions)
	assert.Equal(t, rbac.EffectAllow, p.Effect)
	assert.Equal(t, rbac.TemplateCreatorOnly, p.BusinessTemplate)
	assert.True(t, p.IsActive)
}

func TestCreateKeepsExplicitTemplate(t *testing.T) {
	svc, _ := newTestService(newFakeStore(), nil)
	p, err := svc.Create(context.Background(), CreateInput{
		Code: "invoice.read", Name: "Invoices", Category: "finance",
		PermissionType: "data", RiskLevel: "low", BusinessTemplate: "custom",
	})
	require.NoError(t, err)
	assert.Equal(t, rbac.TemplateCustom, p.BusinessTemplate)
}

func TestCreateCriticalAllowNeedsDescription(t *testing.T) {
	store := newFakeStore()
	svc, _ := newTestService(store, nil)

	_, err := svc.Create(context.Background(), CreateInput{
		Code: "payroll.approve", Name: "Approve payroll", Category: "finance",
		PermissionType: "administrative", RiskLevel: "critical",
	})
	require.Error(t, err)
	var verr *shared.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "description")
	assert.Empty(t, store.state.perms)

	_, err = svc.Create(context.Background(), CreateInput{
		Code: "payroll.approve", Name: "Approve payroll", Category: "finance",
		PermissionType: "administrative", RiskLevel: "critical", Effect: "deny",
	})
	assert.NoError(t, err, "critical deny permissions need no description")
}

func TestCreateRejectsMalformedCode(t *testing.T) {
	svc, _ := newTestService(newFakeStore(), nil)
	_, err := svc.Create(context.Background(), CreateInput{
		Code: "no-dots", Name: "x", Category: "x", PermissionType: "data", RiskLevel: "low",
	})
	var verr *shared.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "permission_code")
}

func TestCreateDuplicateCodeConflicts(t *testing.T) {
	store := newFakeStore()
	store.addPermission(rbac.Permission{Code: "site.read"})
	svc, _ := newTestService(store, nil)

	_, err := svc.Create(context.Background(), CreateInput{
		Code: "site.read", Name: "x", Category: "x", PermissionType: "data", RiskLevel: "low",
	})
	assert.ErrorIs(t, err, shared.ErrConflict)
}

func TestUpdateFreezesSecurityFieldsOnceAudited(t *testing.T) {
	store := newFakeStore()
	p := store.addPermission(rbac.Permission{Code: "site.read", Name: "Site"})
	store.referenced["site.read"] = true
	svc, _ := newTestService(store, nil)

	high := "high"
	_, err := svc.Update(context.Background(), p.ID, 1, UpdateInput{RiskLevel: &high})
	assert.ErrorIs(t, err, shared.ErrValidation)
	assert.Equal(t, rbac.RiskLow, store.state.perms[p.ID].RiskLevel)

	name := "Site viewer"
	updated, err := svc.Update(context.Background(), p.ID, 1, UpdateInput{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "Site viewer", updated.Name)
}

func TestUpdateUnreferencedInvalidatesAffectedUsers(t *testing.T) {
	store := newFakeStore()
	p := store.addPermission(rbac.Permission{Code: "site.read"})
	store.members[TargetDesignations][5] = []int64{11, 12}
	store.state.desig[pair{5, p.ID}] = true
	svc, inv := newTestService(store, nil)

	high := "high"
	updated, err := svc.Update(context.Background(), p.ID, 1, UpdateInput{RiskLevel: &high})
	require.NoError(t, err)
	assert.Equal(t, rbac.RiskHigh, updated.RiskLevel)
	assert.Equal(t, []int64{11, 12}, inv.sorted())
}

func TestUpdateSecurityFieldsIsAuditedThenFrozen(t *testing.T) {
	store := newFakeStore()
	p := store.addPermission(rbac.Permission{Code: "site.read"})
	svc, _ := newTestService(store, nil)

	high := "high"
	_, err := svc.Update(context.Background(), p.ID, 3, UpdateInput{RiskLevel: &high, Reason: "handles exports"})
	require.NoError(t, err)
	require.Len(t, store.state.audits, 1)
	entry := store.state.audits[0]
	assert.Equal(t, audit.ActionModify, entry.ActionType)
	assert.Equal(t, "site.read", entry.PermissionCode)
	assert.Equal(t, int64(3), entry.ActorID)
	assert.Contains(t, string(entry.OldValue), `"risk_level":"low"`)
	assert.Contains(t, string(entry.NewValue), `"risk_level":"high"`)

	critical := "critical"
	_, err = svc.Update(context.Background(), p.ID, 3, UpdateInput{RiskLevel: &critical})
	assert.ErrorIs(t, err, shared.ErrValidation, "the first audited change freezes security fields")
	assert.Equal(t, rbac.RiskHigh, store.state.perms[p.ID].RiskLevel)
}

func TestDeactivateIsAuditedAndInvalidates(t *testing.T) {
	store := newFakeStore()
	p := store.addPermission(rbac.Permission{Code: "site.read"})
	store.state.overrides = append(store.state.overrides, fakeOverride{id: 1, userID: 42, permID: p.ID, kind: rbac.OverrideAddition, active: true})
	svc, inv := newTestService(store, nil)

	out, err := svc.Deactivate(context.Background(), p.ID, 7, "retired")
	require.NoError(t, err)
	assert.False(t, out.IsActive)
	require.Len(t, store.state.audits, 1)
	entry := store.state.audits[0]
	assert.Equal(t, audit.ActionModify, entry.ActionType)
	assert.Equal(t, audit.EntitySystem, entry.EntityType)
	assert.Equal(t, int64(7), entry.ActorID)
	assert.Equal(t, []int64{42}, inv.sorted())
}

func TestCompleteDeleteReportsCleanup(t *testing.T) {
	store := newFakeStore()
	p := store.addPermission(rbac.Permission{Code: "site.delete"})
	store.members[TargetDesignations][1] = []int64{10}
	store.members[TargetDesignations][2] = []int64{11}
	store.members[TargetGroups][3] = []int64{11, 12}
	store.state.desig[pair{1, p.ID}] = true
	store.state.desig[pair{2, p.ID}] = true
	store.state.groups[pair{3, p.ID}] = true
	svc, inv := newTestService(store, nil)

	report, err := svc.CompleteDelete(context.Background(), p.ID, 1, "cleanup")
	require.NoError(t, err)
	assert.Equal(t, 2, report.DesignationsCleaned)
	assert.Equal(t, 1, report.GroupsCleaned)
	assert.Equal(t, 0, report.OverridesCleaned)
	assert.Equal(t, 3, report.UsersAffected)
	assert.Equal(t, "site.delete", report.PermissionCode)

	assert.NotContains(t, store.state.perms, p.ID)
	assert.Empty(t, store.state.desig)
	assert.Empty(t, store.state.groups)
	assert.Equal(t, 4, store.auditCount(audit.ActionRevoke))
	assert.Equal(t, []int64{10, 11, 12}, inv.sorted())

	_, err = svc.Get(context.Background(), p.ID)
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestCompleteDeleteRollsBackOnAuditFailure(t *testing.T) {
	store := newFakeStore()
	p := store.addPermission(rbac.Permission{Code: "site.delete"})
	store.members[TargetGroups][3] = []int64{12}
	store.state.groups[pair{3, p.ID}] = true
	store.failAudit = true
	svc, inv := newTestService(store, nil)

	_, err := svc.CompleteDelete(context.Background(), p.ID, 1, "cleanup")
	require.Error(t, err)
	assert.Contains(t, store.state.perms, p.ID)
	assert.True(t, store.state.groups[pair{3, p.ID}])
	assert.Empty(t, store.state.audits)
	assert.Empty(t, inv.sorted())
}

func TestCompleteDeleteUnknownPermission(t *testing.T) {
	svc, _ := newTestService(newFakeStore(), nil)
	_, err := svc.CompleteDelete(context.Background(), 999, 1, "")
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestListPages(t *testing.T) {
	store := newFakeStore()
	for _, code := range []string{"c.read", "a.read", "b.read"} {
		store.addPermission(rbac.Permission{Code: code})
	}
	svc, _ := newTestService(store, nil)

	page, err := svc.List(context.Background(), ListFilters{}, shared.PageRequest{Page: 1, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Count)
	require.Len(t, page.Results, 2)
	assert.Equal(t, "a.read", page.Results[0].Code)
	assert.True(t, page.HasNext())

	_, err = svc.List(context.Background(), ListFilters{RiskLevel: "extreme"}, shared.PageRequest{})
	assert.True(t, errors.Is(err, shared.ErrValidation))
}
