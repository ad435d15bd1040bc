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

func resultFor(t *testing.T, res BulkResult, target int64) TargetResult {
	t.Helper()
	for _, r := range res.Results {
		if r.TargetID == target {
			return r
		}
	}
	t.Fatalf("no result for target %d", target)
	return TargetResult{}
}

func TestBulkRevokeReportsPartialResults(t *testing.T) {
	store := newFakeStore()
	p := store.addPermission(rbac.Permission{Code: "site.read"})
	store.members[TargetDesignations][1] = []int64{10}
	store.members[TargetDesignations][2] = []int64{20}
	store.state.desig[pair{1, p.ID}] = true
	svc, inv := newTestService(store, nil)

	res, err := svc.BulkRevoke(context.Background(), BulkRequest{
		PermissionIDs: []int64{p.ID},
		TargetType:    TargetDesignations,
		TargetIDs:     []int64{1, 2, 3},
		Reason:        "reorg",
	}, 9)
	require.NoError(t, err)
	require.Len(t, res.Results, 3)

	assert.Equal(t, []int64{p.ID}, resultFor(t, res, 1).Succeeded)
	assert.Equal(t, []int64{p.ID}, resultFor(t, res, 2).Noop)
	missing := resultFor(t, res, 3)
	require.Len(t, missing.Failed, 1)
	assert.Contains(t, missing.Failed[0].Error, "not found")

	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Noop)
	assert.Equal(t, 1, res.Failed)
	assert.False(t, store.state.desig[pair{1, p.ID}])
	assert.Equal(t, 1, store.auditCount(audit.ActionRevoke))
	assert.Equal(t, []int64{10}, inv.sorted())
}

func TestBulkRevokeFromUsersOnlyWhenHeld(t *testing.T) {
	store := newFakeStore()
	p := store.addPermission(rbac.Permission{Code: "site.read"})
	store.members[TargetUsers][7] = nil
	store.members[TargetUsers][8] = nil
	svc, _ := newTestService(store, holdingChecker{7: {"site.read"}})

	res, err := svc.BulkRevoke(context.Background(), BulkRequest{
		PermissionIDs: []int64{p.ID},
		TargetType:    TargetUsers,
		TargetIDs:     []int64{7, 8},
	}, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{p.ID}, resultFor(t, res, 7).Succeeded)
	assert.Equal(t, []int64{p.ID}, resultFor(t, res, 8).Noop)
	require.Len(t, store.state.overrides, 1)
	assert.Equal(t, rbac.OverrideRestriction, store.state.overrides[0].kind)
	assert.Equal(t, int64(7), store.state.overrides[0].userID)
}

func TestBulkGrantIsolatesPairFailures(t *testing.T) {
	store := newFakeStore()
	read := store.addPermission(rbac.Permission{Code: "site.read"})
	create := store.addPermission(rbac.Permission{Code: "site.create"})
	inactive := store.addPermission(rbac.Permission{Code: "site.archive"})
	inactive.IsActive = false
	store.state.perms[inactive.ID] = inactive
	store.members[TargetGroups][4] = []int64{40, 41}
	store.failGrant[pair{4, create.ID}] = errors.New("deadlock detected")
	svc, inv := newTestService(store, nil)

	res, err := svc.BulkGrant(context.Background(), BulkRequest{
		PermissionIDs: []int64{read.ID, create.ID, inactive.ID, 9999},
		TargetType:    TargetGroups,
		TargetIDs:     []int64{4},
	}, 3)
	require.NoError(t, err)
	r := resultFor(t, res, 4)
	assert.Equal(t, []int64{read.ID}, r.Succeeded)
	require.Len(t, r.Failed, 3)
	assert.Equal(t, "operation failed", r.Failed[0].Error)
	assert.Equal(t, "permission is inactive", r.Failed[1].Error)
	assert.Contains(t, r.Failed[2].Error, "not found")

	assert.True(t, store.state.groups[pair{4, read.ID}])
	assert.False(t, store.state.groups[pair{4, create.ID}])
	assert.Equal(t, 1, store.auditCount(audit.ActionGrant))
	assert.Equal(t, []int64{40, 41}, inv.sorted())
}

func TestBulkGrantTwiceIsNoop(t *testing.T) {
	store := newFakeStore()
	p := store.addPermission(rbac.Permission{Code: "site.read"})
	store.members[TargetUsers][7] = nil
	svc, _ := newTestService(store, nil)
	req := BulkRequest{PermissionIDs: []int64{p.ID}, TargetType: TargetUsers, TargetIDs: []int64{7}}

	first, err := svc.BulkGrant(context.Background(), req, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Succeeded)

	second, err := svc.BulkGrant(context.Background(), req, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Noop)
	assert.Len(t, store.state.overrides, 1)
}

func TestBulkGrantLiftingRestrictionIsAudited(t *testing.T) {
	store := newFakeStore()
	p := store.addPermission(rbac.Permission{Code: "site.read"})
	store.members[TargetUsers][7] = nil
	store.state.overrides = []fakeOverride{
		{id: 500, userID: 7, permID: p.ID, kind: rbac.OverrideAddition, active: true},
		{id: 501, userID: 7, permID: p.ID, kind: rbac.OverrideRestriction, active: true},
	}
	svc, inv := newTestService(store, nil)

	res, err := svc.BulkGrant(context.Background(), BulkRequest{
		PermissionIDs: []int64{p.ID},
		TargetType:    TargetUsers,
		TargetIDs:     []int64{7},
		Reason:        "restore access",
	}, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 0, res.Noop)
	assert.False(t, store.state.overrides[1].active, "restriction lifted")
	assert.Len(t, store.state.overrides, 2, "existing addition reused")
	assert.Equal(t, 1, store.auditCount(audit.ActionGrant))
	assert.Equal(t, []int64{7}, inv.sorted())
}

func TestBulkRevokeDeactivatingAdditionIsAudited(t *testing.T) {
	store := newFakeStore()
	p := store.addPermission(rbac.Permission{Code: "site.read"})
	store.members[TargetUsers][7] = nil
	store.state.overrides = []fakeOverride{
		{id: 500, userID: 7, permID: p.ID, kind: rbac.OverrideAddition, active: true},
		{id: 501, userID: 7, permID: p.ID, kind: rbac.OverrideRestriction, active: true},
	}
	svc, inv := newTestService(store, holdingChecker{7: {"site.read"}})

	res, err := svc.BulkRevoke(context.Background(), BulkRequest{
		PermissionIDs: []int64{p.ID},
		TargetType:    TargetUsers,
		TargetIDs:     []int64{7},
	}, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.False(t, store.state.overrides[0].active, "addition deactivated")
	assert.Equal(t, 1, store.auditCount(audit.ActionRevoke))
	assert.Equal(t, []int64{7}, inv.sorted())
}

func TestBulkGrantCriticalRequiresReason(t *testing.T) {
	store := newFakeStore()
	p := store.addPermission(rbac.Permission{Code: "payroll.approve", RiskLevel: rbac.RiskCritical})
	store.members[TargetGroups][4] = nil
	svc, _ := newTestService(store, nil)

	_, err := svc.BulkGrant(context.Background(), BulkRequest{
		PermissionIDs: []int64{p.ID}, TargetType: TargetGroups, TargetIDs: []int64{4},
	}, 1)
	var verr *shared.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "reason")
	assert.Empty(t, store.state.groups)
}

func TestBulkRejectsMalformedRequest(t *testing.T) {
	svc, _ := newTestService(newFakeStore(), nil)
	_, err := svc.BulkRevoke(context.Background(), BulkRequest{
		PermissionIDs: []int64{1, 1}, TargetType: "planets", TargetIDs: nil,
	}, 1)
	var verr *shared.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "permission_ids")
	assert.Contains(t, verr.Fields, "target_type")
	assert.Contains(t, verr.Fields, "target_ids")
}
