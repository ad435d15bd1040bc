package rbac

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

type stubLister struct {
	perms []string
	err   error
	calls int
}

func (s *stubLister) EffectivePermissions(ctx context.Context, userID int64) ([]string, error) {
	s.calls++
	return s.perms, s.err
}

func serveGuarded(mw func(http.Handler) http.Handler, actor *shared.Actor) int {
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if actor != nil {
		req = req.WithContext(shared.ContextWithActor(req.Context(), *actor))
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr.Code
}

func TestRequireAny(t *testing.T) {
	lister := &stubLister{perms: []string{"rbac.permissions.view"}}
	m := Middleware{Service: lister}
	actor := &shared.Actor{UserID: 5}

	assert.Equal(t, http.StatusNoContent, serveGuarded(m.RequireAny("RBAC.permissions.view", "rbac.permissions.manage"), actor))
	assert.Equal(t, http.StatusForbidden, serveGuarded(m.RequireAny("rbac.permissions.manage"), actor))
	assert.Equal(t, http.StatusUnauthorized, serveGuarded(m.RequireAny("rbac.permissions.view"), nil))
}

func TestRequireAll(t *testing.T) {
	lister := &stubLister{perms: []string{"rbac.audit.view"}}
	m := Middleware{Service: lister}
	actor := &shared.Actor{UserID: 5}

	assert.Equal(t, http.StatusForbidden, serveGuarded(m.RequireAll("rbac.audit.view", "rbac.audit.export"), actor))
	lister.perms = append(lister.perms, "rbac.audit.export")
	assert.Equal(t, http.StatusNoContent, serveGuarded(m.RequireAll("rbac.audit.view", "rbac.audit.export"), actor))
}

func TestRequireSuperUserBypass(t *testing.T) {
	lister := &stubLister{}
	m := Middleware{Service: lister}
	code := serveGuarded(m.RequireAll("rbac.permissions.manage"), &shared.Actor{UserID: 1, SuperUser: true})
	assert.Equal(t, http.StatusNoContent, code)
	assert.Zero(t, lister.calls)
}

func TestRequireResolutionFailure(t *testing.T) {
	m := Middleware{Service: &stubLister{err: errors.New("db down")}}
	assert.Equal(t, http.StatusInternalServerError, serveGuarded(m.RequireAny("rbac.audit.view"), &shared.Actor{UserID: 2}))
}

func TestRequireWithoutCodesPassesThrough(t *testing.T) {
	lister := &stubLister{}
	m := Middleware{Service: lister}
	assert.Equal(t, http.StatusNoContent, serveGuarded(m.RequireAny(" ", ""), nil))
	assert.Zero(t, lister.calls)
}
