package groups

import (
	"context"
	"errors"
	"maps"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

type memberKey struct{ group, user int64 }

type fakeState struct {
	groups  map[int64]Group
	grants  map[memberKey]PermissionGrant
	members map[memberKey]Membership
	audits  []audit.Entry
}

func (s fakeState) clone() fakeState {
	return fakeState{
		groups:  maps.Clone(s.groups),
		grants:  maps.Clone(s.grants),
		members: maps.Clone(s.members),
		audits:  slices.Clone(s.audits),
	}
}

type fakeRepo struct {
	state     fakeState
	perms     map[int64]rbac.Permission
	users     []int64
	failAudit bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		state: fakeState{
			groups:  map[int64]Group{1: {ID: 1, Name: "Site Ops", GroupType: rbac.GroupOperational, IsActive: true}},
			grants:  map[memberKey]PermissionGrant{},
			members: map[memberKey]Membership{},
		},
		perms: map[int64]rbac.Permission{
			10: {ID: 10, Code: "site.read", RiskLevel: rbac.RiskLow, IsActive: true},
			11: {ID: 11, Code: "site.delete", RiskLevel: rbac.RiskCritical, IsActive: true},
			12: {ID: 12, Code: "site.archive", RiskLevel: rbac.RiskLow},
		},
		users: []int64{100, 101, 102},
	}
}

func (f *fakeRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	saved := f.state.clone()
	if err := fn(ctx, f); err != nil {
		f.state = saved
		return err
	}
	return nil
}

func (f *fakeRepo) List(_ context.Context, _ ListFilters, _, _ int) ([]Group, int, error) {
	out := slices.Collect(maps.Values(f.state.groups))
	return out, len(out), nil
}

func (f *fakeRepo) Get(ctx context.Context, id int64) (Detail, error) {
	g, err := f.GetForUpdate(ctx, id)
	if err != nil {
		return Detail{}, err
	}
	perms, _ := f.Permissions(ctx, id)
	return Detail{Group: g, Permissions: perms}, nil
}

func (f *fakeRepo) Insert(_ context.Context, g Group) (Group, error) {
	for _, existing := range f.state.groups {
		if strings.EqualFold(existing.Name, g.Name) {
			return Group{}, shared.ErrConflict
		}
	}
	g.ID = int64(len(f.state.groups) + 1)
	g.IsActive = true
	f.state.groups[g.ID] = g
	return g, nil
}

func (f *fakeRepo) GetForUpdate(_ context.Context, id int64) (Group, error) {
	g, ok := f.state.groups[id]
	if !ok {
		return Group{}, shared.ErrNotFound
	}
	return g, nil
}

func (f *fakeRepo) Update(_ context.Context, g Group) (Group, error) {
	f.state.groups[g.ID] = g
	return g, nil
}

func (f *fakeRepo) Permissions(_ context.Context, groupID int64) ([]Permission, error) {
	var out []Permission
	for k, g := range f.state.grants {
		if k.group == groupID {
			out = append(out, Permission{PermissionID: g.PermissionID, PermissionCode: f.perms[g.PermissionID].Code})
		}
	}
	slices.SortFunc(out, func(a, b Permission) int { return int(a.PermissionID - b.PermissionID) })
	return out, nil
}

func (f *fakeRepo) LookupPermissions(_ context.Context, ids []int64) (map[int64]rbac.Permission, error) {
	out := map[int64]rbac.Permission{}
	for _, id := range ids {
		if p, ok := f.perms[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (f *fakeRepo) UpsertPermission(_ context.Context, groupID int64, grant PermissionGrant) (bool, error) {
	k := memberKey{groupID, grant.PermissionID}
	_, existed := f.state.grants[k]
	f.state.grants[k] = grant
	return !existed, nil
}

func (f *fakeRepo) RemovePermission(_ context.Context, groupID, permissionID int64) (bool, error) {
	k := memberKey{groupID, permissionID}
	_, ok := f.state.grants[k]
	delete(f.state.grants, k)
	return ok, nil
}

func (f *fakeRepo) MemberIDs(_ context.Context, groupID int64) ([]int64, error) {
	var ids []int64
	for k, m := range f.state.members {
		if k.group == groupID && m.IsActive {
			ids = append(ids, k.user)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (f *fakeRepo) ExistingUsers(_ context.Context, ids []int64) ([]int64, error) {
	var out []int64
	for _, id := range ids {
		if slices.Contains(f.users, id) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (f *fakeRepo) UpsertMember(_ context.Context, groupID, userID int64, from time.Time, to *time.Time) (bool, error) {
	k := memberKey{groupID, userID}
	prev, ok := f.state.members[k]
	f.state.members[k] = Membership{UserID: userID, ValidFrom: from, ValidTo: to, IsActive: true}
	return !ok || !prev.IsActive, nil
}

func (f *fakeRepo) RemoveMember(_ context.Context, groupID, userID int64) (bool, error) {
	k := memberKey{groupID, userID}
	_, ok := f.state.members[k]
	delete(f.state.members, k)
	return ok, nil
}

func (f *fakeRepo) RecordAudit(_ context.Context, e audit.Entry) error {
	if f.failAudit {
		return errors.New("audit: record: broken pipe")
	}
	if err := audit.Validate(e); err != nil {
		return err
	}
	f.state.audits = append(f.state.audits, e)
	return nil
}

type recordingInvalidator struct{ users []int64 }

func (r *recordingInvalidator) Invalidate(_ context.Context, ids ...int64) {
	r.users = append(r.users, ids...)
}

func newService(repo *fakeRepo) (*Service, *recordingInvalidator) {
	inv := &recordingInvalidator{}
	svc := NewService(repo, inv, nil)
	svc.now = func() time.Time { return time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC) }
	return svc, inv
}

func TestCreateDuplicateNameConflicts(t *testing.T) {
	svc, _ := newService(newFakeRepo())
	_, err := svc.Create(context.Background(), CreateInput{Name: "site ops", GroupType: "operational"})
	assert.ErrorIs(t, err, shared.ErrConflict)

	g, err := svc.Create(context.Background(), CreateInput{Name: "Auditors", GroupType: "functional"})
	require.NoError(t, err)
	assert.Equal(t, rbac.GroupFunctional, g.GroupType)
}

func TestAssignPermissionsAuditsEachGrantAndInvalidatesMembers(t *testing.T) {
	repo := newFakeRepo()
	repo.state.members[memberKey{1, 100}] = Membership{UserID: 100, IsActive: true}
	repo.state.members[memberKey{1, 101}] = Membership{UserID: 101, IsActive: true}
	svc, inv := newService(repo)

	res, err := svc.AssignPermissions(context.Background(), 1, 7, AssignPermissionsInput{
		Permissions: []PermissionGrant{{PermissionID: 10}, {PermissionID: 11, RequiresMFA: true}},
		Reason:      "on-call rotation",
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 11}, res.Added)
	assert.Equal(t, 2, res.UsersAffected)
	assert.Len(t, repo.state.audits, 2)
	assert.Equal(t, "site.delete", repo.state.audits[1].PermissionCode)
	assert.ElementsMatch(t, []int64{100, 101}, inv.users)
}

func TestAssignPermissionsReplaceRevokesMissing(t *testing.T) {
	repo := newFakeRepo()
	repo.state.grants[memberKey{1, 10}] = PermissionGrant{PermissionID: 10}
	svc, _ := newService(repo)

	res, err := svc.AssignPermissions(context.Background(), 1, 7, AssignPermissionsInput{Replace: true})
	require.NoError(t, err)
	assert.Equal(t, []int64{10}, res.Removed)
	require.Len(t, repo.state.audits, 1)
	assert.Equal(t, audit.ActionRevoke, repo.state.audits[0].ActionType)
	assert.Empty(t, repo.state.grants)
}

func TestAssignPermissionsRejectsBeforeMutation(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := newService(repo)

	_, err := svc.AssignPermissions(context.Background(), 1, 7, AssignPermissionsInput{
		Permissions: []PermissionGrant{{PermissionID: 10}, {PermissionID: 11}, {PermissionID: 12}, {PermissionID: 99}},
	})
	var verr *shared.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "reason")
	assert.Contains(t, verr.Fields, "permissions")
	assert.Empty(t, repo.state.grants)
	assert.Empty(t, repo.state.audits)
}

func TestAssignPermissionsRollsBackWhenAuditFails(t *testing.T) {
	repo := newFakeRepo()
	repo.failAudit = true
	svc, inv := newService(repo)

	_, err := svc.AssignPermissions(context.Background(), 1, 7, AssignPermissionsInput{
		Permissions: []PermissionGrant{{PermissionID: 10}},
	})
	require.Error(t, err)
	assert.Equal(t, "operation failed", shared.UserSafeMessage(err))
	assert.Empty(t, repo.state.grants)
	assert.Empty(t, inv.users)
}

func TestAssignUsersValidatesWindowAndUsers(t *testing.T) {
	repo := newFakeRepo()
	svc, inv := newService(repo)
	past := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

	_, err := svc.AssignUsers(context.Background(), 1, 7, AssignUsersInput{UserIDs: []int64{100}, ValidTo: &past})
	assert.ErrorIs(t, err, shared.ErrValidation)

	_, err = svc.AssignUsers(context.Background(), 1, 7, AssignUsersInput{UserIDs: []int64{100, 555}})
	assert.ErrorIs(t, err, shared.ErrNotFound)
	assert.Empty(t, repo.state.members)

	res, err := svc.AssignUsers(context.Background(), 1, 7, AssignUsersInput{UserIDs: []int64{100, 101}})
	require.NoError(t, err)
	assert.Equal(t, []int64{100, 101}, res.Added)
	assert.Equal(t, time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC), repo.state.members[memberKey{1, 100}].ValidFrom)
	assert.ElementsMatch(t, []int64{100, 101}, inv.users)
}

func TestRemoveUsersSkipsNonMembers(t *testing.T) {
	repo := newFakeRepo()
	repo.state.members[memberKey{1, 100}] = Membership{UserID: 100, IsActive: true}
	svc, inv := newService(repo)

	res, err := svc.RemoveUsers(context.Background(), 1, 7, RemoveUsersInput{UserIDs: []int64{100, 101}})
	require.NoError(t, err)
	assert.Equal(t, []int64{100}, res.Removed)
	assert.Len(t, repo.state.audits, 1)
	assert.Equal(t, []int64{100}, inv.users)
}

func TestDeactivateInvalidatesMembers(t *testing.T) {
	repo := newFakeRepo()
	repo.state.members[memberKey{1, 102}] = Membership{UserID: 102, IsActive: true}
	svc, inv := newService(repo)

	g, err := svc.Deactivate(context.Background(), 1, 7, "merged")
	require.NoError(t, err)
	assert.False(t, g.IsActive)
	require.Len(t, repo.state.audits, 1)
	assert.Equal(t, audit.ActionModify, repo.state.audits[0].ActionType)
	assert.Equal(t, []int64{102}, inv.users)
}

func TestHandlerAssignUsersRequiresActor(t *testing.T) {
	svc, _ := newService(newFakeRepo())
	r := chi.NewRouter()
	NewHandler(nil, svc, nil).MountRoutes(r)

	req := httptest.NewRequest(http.MethodPost, "/groups/1/assign_users", strings.NewReader(`{"user_ids":[100]}`))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req = httptest.NewRequest(http.MethodPost, "/groups/1/assign_users", strings.NewReader(`{"user_ids":[100]}`))
	req = req.WithContext(shared.ContextWithActor(req.Context(), shared.Actor{UserID: 7}))
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"added":[100]`)
}
