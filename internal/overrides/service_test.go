package overrides

import (
	"context"
	"errors"
	"maps"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeRepo struct {
	overrides map[int64]Override
	audits    []audit.Entry
	perms     map[int64]rbac.Permission
	users     []int64
	nextID    int64
	failAudit bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		overrides: map[int64]Override{},
		perms: map[int64]rbac.Permission{
			1: {ID: 1, Code: "site.read", RiskLevel: rbac.RiskLow, IsActive: true},
			2: {ID: 2, Code: "payroll.approve", RiskLevel: rbac.RiskCritical, IsActive: true},
			3: {ID: 3, Code: "site.delete", RiskLevel: rbac.RiskHigh, IsActive: true},
		},
		users: []int64{50, 51},
	}
}

func (f *fakeRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	saved, audits := maps.Clone(f.overrides), slices.Clone(f.audits)
	if err := fn(ctx, f); err != nil {
		f.overrides, f.audits = saved, audits
		return err
	}
	return nil
}

func (f *fakeRepo) Get(ctx context.Context, id int64) (Override, error) {
	return f.GetForUpdate(ctx, id)
}

func (f *fakeRepo) List(_ context.Context, filters ListFilters, _, _ int) ([]Override, int, error) {
	var out []Override
	for _, o := range f.overrides {
		if filters.UserID != 0 && o.UserID != filters.UserID {
			continue
		}
		out = append(out, o)
	}
	return out, len(out), nil
}

func (f *fakeRepo) Insert(_ context.Context, o Override) (Override, error) {
	f.nextID++
	o.ID = f.nextID
	o.PermissionCode = f.perms[o.PermissionID].Code
	o.RiskLevel = f.perms[o.PermissionID].RiskLevel
	o.CreatedAt = testNow
	f.overrides[o.ID] = o
	return o, nil
}

func (f *fakeRepo) GetForUpdate(_ context.Context, id int64) (Override, error) {
	o, ok := f.overrides[id]
	if !ok {
		return Override{}, shared.ErrNotFound
	}
	return o, nil
}

func (f *fakeRepo) Update(_ context.Context, o Override) (Override, error) {
	f.overrides[o.ID] = o
	return o, nil
}

func (f *fakeRepo) LookupPermission(_ context.Context, id int64) (rbac.Permission, error) {
	p, ok := f.perms[id]
	if !ok {
		return rbac.Permission{}, shared.ErrNotFound
	}
	return p, nil
}

func (f *fakeRepo) UserExists(_ context.Context, id int64) (bool, error) {
	return slices.Contains(f.users, id), nil
}

func (f *fakeRepo) ExpireDue(_ context.Context, now time.Time, _ int) ([]Override, error) {
	var out []Override
	for id, o := range f.overrides {
		if o.ApprovalStatus == rbac.ApprovalApproved && o.IsActive && o.IsTemporary && o.AutoExpire &&
			o.EffectiveTo != nil && o.EffectiveTo.Before(now) {
			o.ApprovalStatus = rbac.ApprovalExpired
			o.IsActive = false
			f.overrides[id] = o
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeRepo) RecordAudit(_ context.Context, e audit.Entry) error {
	if f.failAudit {
		return errors.New("audit: record: disk full")
	}
	if err := audit.Validate(e); err != nil {
		return err
	}
	f.audits = append(f.audits, e)
	return nil
}

type recordingInvalidator struct{ users []int64 }

func (r *recordingInvalidator) Invalidate(_ context.Context, ids ...int64) {
	r.users = append(r.users, ids...)
}

// approvers grants the approve permission to the listed users.
type approvers []int64

func (a approvers) Check(_ context.Context, userID int64, code string) (rbac.CheckResult, error) {
	return rbac.CheckResult{UserID: userID, PermissionCode: code, HasPermission: slices.Contains(a, userID)}, nil
}

func newService(repo *fakeRepo, checker AccessChecker) (*Service, *recordingInvalidator) {
	inv := &recordingInvalidator{}
	svc := NewService(repo, inv, checker, nil)
	svc.now = func() time.Time { return testNow }
	return svc, inv
}

func TestCreateByNonApproverIsPending(t *testing.T) {
	repo := newFakeRepo()
	svc, inv := newService(repo, approvers{9})

	o, err := svc.Create(context.Background(), shared.Actor{UserID: 7}, CreateInput{
		UserID: 50, PermissionID: 1, OverrideType: "grant",
	})
	require.NoError(t, err)
	assert.Equal(t, rbac.ApprovalPending, o.ApprovalStatus)
	assert.Equal(t, rbac.OverrideAddition, o.OverrideType)
	assert.Equal(t, rbac.LevelGranted, o.Level)
	assert.Equal(t, testNow, o.EffectiveFrom)
	require.Len(t, repo.audits, 1)
	assert.Equal(t, audit.ActionModify, repo.audits[0].ActionType)
	assert.Empty(t, inv.users, "pending overrides do not change resolution")
}

func TestCreateByApproverAppliesImmediately(t *testing.T) {
	repo := newFakeRepo()
	svc, inv := newService(repo, approvers{9})

	o, err := svc.Create(context.Background(), shared.Actor{UserID: 9}, CreateInput{
		UserID: 50, PermissionID: 1, OverrideType: "deny", Reason: "investigation",
	})
	require.NoError(t, err)
	assert.Equal(t, rbac.ApprovalApproved, o.ApprovalStatus)
	assert.Equal(t, rbac.LevelDenied, o.Level)
	require.NotNil(t, o.ApprovedBy)
	assert.Equal(t, int64(9), *o.ApprovedBy)
	assert.Equal(t, audit.ActionRestrict, repo.audits[0].ActionType)
	assert.Equal(t, []int64{50}, inv.users)
}

func TestCreateValidation(t *testing.T) {
	svc, _ := newService(newFakeRepo(), nil)
	past := testNow.Add(-time.Hour)
	cases := map[string]struct {
		in    CreateInput
		field string
	}{
		"restriction cannot grant": {CreateInput{UserID: 50, PermissionID: 1, OverrideType: "restriction", Level: "granted"}, "permission_level"},
		"unknown type":             {CreateInput{UserID: 50, PermissionID: 1, OverrideType: "promote"}, "override_type"},
		"ended window":             {CreateInput{UserID: 50, PermissionID: 1, OverrideType: "addition", EffectiveTo: &past}, "effective_to"},
		"auto expire needs window": {CreateInput{UserID: 50, PermissionID: 1, OverrideType: "addition", IsTemporary: true, AutoExpire: true}, "auto_expire"},
		"critical needs reason":    {CreateInput{UserID: 50, PermissionID: 2, OverrideType: "addition"}, "reason"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Create(context.Background(), shared.Actor{UserID: 7}, tc.in)
			var verr *shared.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Fields, tc.field)
		})
	}
}

func TestCreateUnknownUserOrPermission(t *testing.T) {
	svc, _ := newService(newFakeRepo(), nil)
	_, err := svc.Create(context.Background(), shared.Actor{UserID: 7}, CreateInput{UserID: 99, PermissionID: 1, OverrideType: "addition"})
	assert.ErrorIs(t, err, shared.ErrNotFound)
	_, err = svc.Create(context.Background(), shared.Actor{UserID: 7}, CreateInput{UserID: 50, PermissionID: 99, OverrideType: "addition"})
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestApproveWorkflow(t *testing.T) {
	repo := newFakeRepo()
	svc, inv := newService(repo, nil)
	ctx := context.Background()

	o, err := svc.Create(ctx, shared.Actor{UserID: 7}, CreateInput{UserID: 50, PermissionID: 3, OverrideType: "addition"})
	require.NoError(t, err)

	_, err = svc.Approve(ctx, shared.Actor{UserID: 7}, o.ID, "")
	assert.ErrorIs(t, err, shared.ErrForbidden, "creators cannot approve their own request")

	approved, err := svc.Approve(ctx, shared.Actor{UserID: 8}, o.ID, "ticket 42")
	require.NoError(t, err)
	assert.Equal(t, rbac.ApprovalApproved, approved.ApprovalStatus)
	assert.Equal(t, audit.ActionEscalate, repo.audits[len(repo.audits)-1].ActionType)
	assert.Equal(t, []int64{50}, inv.users)

	_, err = svc.Reject(ctx, shared.Actor{UserID: 8}, o.ID, "")
	assert.ErrorIs(t, err, shared.ErrConflict)
}

func TestRejectLeavesCacheAlone(t *testing.T) {
	repo := newFakeRepo()
	svc, inv := newService(repo, nil)
	o, err := svc.Create(context.Background(), shared.Actor{UserID: 7}, CreateInput{UserID: 50, PermissionID: 1, OverrideType: "addition"})
	require.NoError(t, err)

	rejected, err := svc.Reject(context.Background(), shared.Actor{UserID: 8}, o.ID, "not justified")
	require.NoError(t, err)
	assert.Equal(t, rbac.ApprovalRejected, rejected.ApprovalStatus)
	assert.Empty(t, inv.users)

	_, err = svc.Update(context.Background(), shared.Actor{UserID: 8}, o.ID, UpdateInput{Reason: "again"})
	assert.ErrorIs(t, err, shared.ErrValidation)
}

func TestUpdateByNonApproverReturnsToPending(t *testing.T) {
	repo := newFakeRepo()
	svc, inv := newService(repo, approvers{9})
	ctx := context.Background()
	o, err := svc.Create(ctx, shared.Actor{UserID: 9}, CreateInput{UserID: 50, PermissionID: 1, OverrideType: "addition"})
	require.NoError(t, err)
	require.Equal(t, rbac.ApprovalApproved, o.ApprovalStatus)

	prio := 5
	updated, err := svc.Update(ctx, shared.Actor{UserID: 7}, o.ID, UpdateInput{Priority: &prio})
	require.NoError(t, err)
	assert.Equal(t, 5, updated.Priority)
	assert.Equal(t, rbac.ApprovalPending, updated.ApprovalStatus)
	assert.Nil(t, updated.ApprovedBy)
	assert.Equal(t, []int64{50, 50}, inv.users)
}

func TestDeleteDeactivatesAndAudits(t *testing.T) {
	repo := newFakeRepo()
	svc, inv := newService(repo, approvers{9})
	o, err := svc.Create(context.Background(), shared.Actor{UserID: 9}, CreateInput{UserID: 51, PermissionID: 1, OverrideType: "addition"})
	require.NoError(t, err)

	require.NoError(t, svc.Delete(context.Background(), shared.Actor{UserID: 9}, o.ID, "no longer needed"))
	assert.False(t, repo.overrides[o.ID].IsActive)
	assert.Equal(t, audit.ActionRevoke, repo.audits[len(repo.audits)-1].ActionType)
	assert.Equal(t, []int64{51, 51}, inv.users)
}

func TestAuditFailureRollsBackCreate(t *testing.T) {
	repo := newFakeRepo()
	repo.failAudit = true
	svc, inv := newService(repo, approvers{9})

	_, err := svc.Create(context.Background(), shared.Actor{UserID: 9}, CreateInput{UserID: 50, PermissionID: 1, OverrideType: "addition"})
	require.Error(t, err)
	assert.Equal(t, "operation failed", shared.UserSafeMessage(err))
	assert.Empty(t, repo.overrides)
	assert.Empty(t, inv.users)
}

func TestExpireDueRecordsExpiry(t *testing.T) {
	repo := newFakeRepo()
	ended := testNow.Add(-time.Minute)
	repo.overrides[1] = Override{ID: 1, UserID: 50, PermissionCode: "site.read", ApprovalStatus: rbac.ApprovalApproved,
		IsActive: true, IsTemporary: true, AutoExpire: true, EffectiveTo: &ended}
	repo.overrides[2] = Override{ID: 2, UserID: 51, PermissionCode: "site.read", ApprovalStatus: rbac.ApprovalApproved,
		IsActive: true, EffectiveTo: &ended}
	svc, inv := newService(repo, nil)

	n, err := svc.ExpireDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, rbac.ApprovalExpired, repo.overrides[1].ApprovalStatus)
	assert.Equal(t, rbac.ApprovalApproved, repo.overrides[2].ApprovalStatus)
	require.Len(t, repo.audits, 1)
	assert.Equal(t, audit.ActionExpire, repo.audits[0].ActionType)
	assert.Equal(t, int64(0), repo.audits[0].ActorID)
	assert.Equal(t, []int64{50}, inv.users)
}

func TestHandlerApproveWithoutBody(t *testing.T) {
	repo := newFakeRepo()
	repo.overrides[4] = Override{ID: 4, UserID: 50, PermissionCode: "site.read", OverrideType: rbac.OverrideAddition,
		Level: rbac.LevelGranted, ApprovalStatus: rbac.ApprovalPending, IsActive: true, CreatedBy: 7}
	svc, _ := newService(repo, nil)
	r := chi.NewRouter()
	r.Route("/user-permissions", NewHandler(nil, svc, nil).MountRoutes)

	req := httptest.NewRequest(http.MethodPost, "/user-permissions/overrides/4/approve", nil)
	req = req.WithContext(shared.ContextWithActor(req.Context(), shared.Actor{UserID: 8}))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"approval_status":"approved"`)
}
