package permissions

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

type memoryIdempotency struct {
	seen map[string]bool
}

func (m *memoryIdempotency) CheckAndInsert(_ context.Context, key, module string) error {
	if m.seen[module+key] {
		return shared.ErrIdempotencyConflict
	}
	m.seen[module+key] = true
	return nil
}

func (m *memoryIdempotency) Delete(_ context.Context, key, module string) error {
	delete(m.seen, module+key)
	return nil
}

func newTestRouter(store *fakeStore, idem IdempotencyStore) http.Handler {
	svc, _ := newTestService(store, nil)
	h := NewHandler(nil, svc, nil, idem)
	r := chi.NewRouter()
	h.MountRoutes(r)
	return r
}

func asActor(req *http.Request, userID int64) *http.Request {
	return req.WithContext(shared.ContextWithActor(req.Context(), shared.Actor{UserID: userID}))
}

func TestHandlerCreateValidationProblem(t *testing.T) {
	router := newTestRouter(newFakeStore(), nil)
	body := `{"permission_code":"payroll.approve","name":"Approve","permission_category":"finance","permission_type":"administrative","risk_level":"critical"}`
	req := asActor(httptest.NewRequest(http.MethodPost, "/permissions/", bytes.NewBufferString(body)), 1)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	var problem httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &problem))
	assert.Contains(t, problem.Errors, "description")
}

func TestHandlerCompleteDelete(t *testing.T) {
	store := newFakeStore()
	p := store.addPermission(rbac.Permission{ID: 5, Code: "site.delete"})
	store.members[TargetGroups][3] = []int64{12}
	store.state.groups[pair{3, p.ID}] = true
	router := newTestRouter(store, nil)

	req := asActor(httptest.NewRequest(http.MethodDelete, "/permissions/5/complete_delete", nil), 1)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var report CleanupReport
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &report))
	assert.Equal(t, 1, report.GroupsCleaned)
	assert.Equal(t, 1, report.UsersAffected)
}

func TestHandlerMutationsNeedActor(t *testing.T) {
	store := newFakeStore()
	store.addPermission(rbac.Permission{ID: 5, Code: "site.delete"})
	router := newTestRouter(store, nil)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/permissions/5", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestHandlerBulkRevokeMultiStatusAndReplay(t *testing.T) {
	store := newFakeStore()
	p := store.addPermission(rbac.Permission{ID: 5, Code: "site.read"})
	store.members[TargetDesignations][1] = nil
	store.state.desig[pair{1, p.ID}] = true
	router := newTestRouter(store, &memoryIdempotency{seen: map[string]bool{}})

	send := func() *httptest.ResponseRecorder {
		body := `{"permission_ids":[5],"target_type":"designations","target_ids":[1,2]}`
		req := asActor(httptest.NewRequest(http.MethodPost, "/permissions/bulk-revoke", bytes.NewBufferString(body)), 1)
		req.Header.Set("Idempotency-Key", "abc")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr
	}

	rr := send()
	require.Equal(t, http.StatusMultiStatus, rr.Code)
	var result BulkResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 1, result.Failed)

	assert.Equal(t, http.StatusConflict, send().Code)
}
