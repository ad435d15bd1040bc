package permissions

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

type pair struct{ target, perm int64 }

type fakeOverride struct {
	id, userID, permID int64
	kind               rbac.OverrideType
	active             bool
}

type fakeState struct {
	perms     map[int64]rbac.Permission
	desig     map[pair]bool
	groups    map[pair]bool
	overrides []fakeOverride
	audits    []audit.Entry
}

func (s fakeState) clone() fakeState {
	return fakeState{
		perms:     maps.Clone(s.perms),
		desig:     maps.Clone(s.desig),
		groups:    maps.Clone(s.groups),
		overrides: slices.Clone(s.overrides),
		audits:    slices.Clone(s.audits),
	}
}

// fakeStore is an in-memory RepositoryPort. A failed transaction restores
// the state captured when it began.
type fakeStore struct {
	mu         sync.Mutex
	state      fakeState
	nextID     int64
	members    map[TargetType]map[int64][]int64
	referenced map[string]bool
	failAudit  bool
	failGrant  map[pair]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		state: fakeState{
			perms:  map[int64]rbac.Permission{},
			desig:  map[pair]bool{},
			groups: map[pair]bool{},
		},
		nextID: 100,
		members: map[TargetType]map[int64][]int64{
			TargetUsers:        {},
			TargetDesignations: {},
			TargetGroups:       {},
		},
		referenced: map[string]bool{},
		failGrant:  map[pair]error{},
	}
}

func (f *fakeStore) addPermission(p rbac.Permission) rbac.Permission {
	f.nextID++
	if p.ID == 0 {
		p.ID = f.nextID
	}
	if p.Effect == "" {
		p.Effect = rbac.EffectAllow
	}
	if p.RiskLevel == "" {
		p.RiskLevel = rbac.RiskLow
	}
	p.IsActive = true
	f.state.perms[p.ID] = p
	return p
}

func (f *fakeStore) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	saved := f.state.clone()
	if err := fn(ctx, &fakeTx{f: f}); err != nil {
		f.state = saved
		return err
	}
	return nil
}

func (f *fakeStore) Get(_ context.Context, id int64) (rbac.Permission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.state.perms[id]
	if !ok {
		return rbac.Permission{}, shared.ErrNotFound
	}
	return p, nil
}

func (f *fakeStore) GetMany(_ context.Context, ids []int64) (map[int64]rbac.Permission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[int64]rbac.Permission{}
	for _, id := range ids {
		if p, ok := f.state.perms[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (f *fakeStore) List(_ context.Context, filters ListFilters, limit, offset int) ([]rbac.Permission, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []rbac.Permission
	for _, p := range f.state.perms {
		if filters.RiskLevel != "" && p.RiskLevel != filters.RiskLevel {
			continue
		}
		all = append(all, p)
	}
	slices.SortFunc(all, func(a, b rbac.Permission) int {
		switch {
		case a.Code < b.Code:
			return -1
		case a.Code > b.Code:
			return 1
		}
		return 0
	})
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := min(offset+limit, total)
	return all[offset:end], total, nil
}

func (f *fakeStore) auditCount(action audit.ActionType) int {
	n := 0
	for _, e := range f.state.audits {
		if e.ActionType == action {
			n++
		}
	}
	return n
}

type fakeTx struct{ f *fakeStore }

func (t *fakeTx) Insert(_ context.Context, p rbac.Permission) (rbac.Permission, error) {
	for _, existing := range t.f.state.perms {
		if existing.Code == p.Code {
			return rbac.Permission{}, shared.ErrConflict
		}
	}
	return t.f.addPermission(p), nil
}

func (t *fakeTx) GetForUpdate(_ context.Context, id int64) (rbac.Permission, error) {
	p, ok := t.f.state.perms[id]
	if !ok {
		return rbac.Permission{}, shared.ErrNotFound
	}
	return p, nil
}

func (t *fakeTx) Update(_ context.Context, p rbac.Permission) (rbac.Permission, error) {
	t.f.state.perms[p.ID] = p
	return p, nil
}

func (t *fakeTx) AuditReferenced(_ context.Context, code string) (bool, error) {
	if t.f.referenced[code] {
		return true, nil
	}
	for _, e := range t.f.state.audits {
		if e.PermissionCode == code {
			return true, nil
		}
	}
	return false, nil
}

func (t *fakeTx) AffectedUsers(_ context.Context, permissionID int64) ([]int64, error) {
	seen := map[int64]bool{}
	for k := range t.f.state.desig {
		if k.perm == permissionID {
			for _, u := range t.f.members[TargetDesignations][k.target] {
				seen[u] = true
			}
		}
	}
	for k := range t.f.state.groups {
		if k.perm == permissionID {
			for _, u := range t.f.members[TargetGroups][k.target] {
				seen[u] = true
			}
		}
	}
	for _, o := range t.f.state.overrides {
		if o.permID == permissionID {
			seen[o.userID] = true
		}
	}
	return slices.Sorted(maps.Keys(seen)), nil
}

func (t *fakeTx) DeleteReferences(ctx context.Context, permissionID int64) (References, error) {
	users, _ := t.AffectedUsers(ctx, permissionID)
	refs := References{UserIDs: users}
	for k := range t.f.state.desig {
		if k.perm == permissionID {
			refs.DesignationIDs = append(refs.DesignationIDs, k.target)
			delete(t.f.state.desig, k)
		}
	}
	for k := range t.f.state.groups {
		if k.perm == permissionID {
			refs.GroupIDs = append(refs.GroupIDs, k.target)
			delete(t.f.state.groups, k)
		}
	}
	kept := t.f.state.overrides[:0:0]
	for _, o := range t.f.state.overrides {
		if o.permID == permissionID {
			refs.Overrides = append(refs.Overrides, OverrideRef{ID: o.id, UserID: o.userID})
			continue
		}
		kept = append(kept, o)
	}
	t.f.state.overrides = kept
	return refs, nil
}

func (t *fakeTx) Delete(_ context.Context, id int64) error {
	if _, ok := t.f.state.perms[id]; !ok {
		return shared.ErrNotFound
	}
	delete(t.f.state.perms, id)
	return nil
}

func (t *fakeTx) TargetExists(_ context.Context, target TargetType, id int64) error {
	if _, ok := t.f.members[target][id]; !ok {
		return fmt.Errorf("%s %d: %w", target, id, shared.ErrNotFound)
	}
	return nil
}

func (t *fakeTx) TargetUsers(_ context.Context, target TargetType, id int64) ([]int64, error) {
	if target == TargetUsers {
		return []int64{id}, nil
	}
	return t.f.members[target][id], nil
}

func (t *fakeTx) GrantTo(_ context.Context, target TargetType, targetID, permissionID, _ int64, _ string) (bool, error) {
	if err := t.f.failGrant[pair{targetID, permissionID}]; err != nil {
		return false, err
	}
	k := pair{targetID, permissionID}
	switch target {
	case TargetDesignations:
		if t.f.state.desig[k] {
			return false, nil
		}
		t.f.state.desig[k] = true
	case TargetGroups:
		if t.f.state.groups[k] {
			return false, nil
		}
		t.f.state.groups[k] = true
	case TargetUsers:
		return t.upsertOverride(targetID, permissionID, rbac.OverrideAddition), nil
	}
	return true, nil
}

func (t *fakeTx) RevokeFrom(_ context.Context, target TargetType, targetID, permissionID, _ int64, _ string) (bool, error) {
	k := pair{targetID, permissionID}
	switch target {
	case TargetDesignations:
		if !t.f.state.desig[k] {
			return false, nil
		}
		delete(t.f.state.desig, k)
	case TargetGroups:
		if !t.f.state.groups[k] {
			return false, nil
		}
		delete(t.f.state.groups, k)
	case TargetUsers:
		return t.upsertOverride(targetID, permissionID, rbac.OverrideRestriction), nil
	}
	return true, nil
}

func (t *fakeTx) upsertOverride(userID, permID int64, kind rbac.OverrideType) bool {
	deactivated := false
	for i, o := range t.f.state.overrides {
		if o.userID == userID && o.permID == permID && o.active && o.kind != kind {
			t.f.state.overrides[i].active = false
			deactivated = true
		}
	}
	for _, o := range t.f.state.overrides {
		if o.userID == userID && o.permID == permID && o.active && o.kind == kind {
			return deactivated
		}
	}
	t.f.nextID++
	t.f.state.overrides = append(t.f.state.overrides, fakeOverride{id: t.f.nextID, userID: userID, permID: permID, kind: kind, active: true})
	return true
}

func (t *fakeTx) RecordAudit(_ context.Context, e audit.Entry) error {
	if t.f.failAudit {
		return errors.New("audit: record: connection reset")
	}
	if err := audit.Validate(e); err != nil {
		return err
	}
	t.f.state.audits = append(t.f.state.audits, e)
	return nil
}

type recordingInvalidator struct {
	mu    sync.Mutex
	users []int64
}

func (r *recordingInvalidator) Invalidate(_ context.Context, ids ...int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append(r.users, ids...)
}

func (r *recordingInvalidator) sorted() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := slices.Clone(r.users)
	slices.Sort(out)
	return slices.Compact(out)
}

// holdingChecker reports HasPermission for the listed user/code pairs.
type holdingChecker map[int64][]string

func (h holdingChecker) Check(_ context.Context, userID int64, code string) (rbac.CheckResult, error) {
	return rbac.CheckResult{UserID: userID, PermissionCode: code, HasPermission: slices.Contains(h[userID], code)}, nil
}
