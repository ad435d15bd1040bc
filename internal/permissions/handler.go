package permissions

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

const (
	bulkRateLimit  = 20
	bulkRateWindow = time.Minute
)

// IdempotencyStore rejects replayed bulk requests.
type IdempotencyStore interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key, module string) error
}

// Handler exposes the permission registry over HTTP.
type Handler struct {
	logger      *slog.Logger
	service     *Service
	guard       httpx.Guard
	idempotency IdempotencyStore
}

// NewHandler builds a Handler. A nil idempotency store disables replay checks.
func NewHandler(logger *slog.Logger, service *Service, guard httpx.Guard, idempotency IdempotencyStore) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if guard == nil {
		guard = httpx.OpenGuard{}
	}
	return &Handler{logger: logger, service: service, guard: guard, idempotency: idempotency}
}

// MountRoutes registers routes under /permissions.
func (h *Handler) MountRoutes(r chi.Router) {
	bulkLimiter := httprate.Limit(bulkRateLimit, bulkRateWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP, httprate.KeyByEndpoint))

	r.Route("/permissions", func(r chi.Router) {
		r.With(h.guard.RequireAny(shared.PermPermissionsView, shared.PermPermissionsManage)).Get("/", h.list)
		r.With(h.guard.RequireAny(shared.PermPermissionsView, shared.PermPermissionsManage)).Get("/{id}", h.get)
		r.Group(func(r chi.Router) {
			r.Use(h.guard.RequireAll(shared.PermPermissionsManage))
			r.Post("/", h.create)
			r.Put("/{id}", h.update)
			r.Delete("/{id}", h.deactivate)
			r.Delete("/{id}/complete_delete", h.completeDelete)
			r.With(bulkLimiter).Post("/bulk-grant", h.bulkHandler(opGrant))
			r.With(bulkLimiter).Post("/bulk-revoke", h.bulkHandler(opRevoke))
		})
	})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	page, err := httpx.ParsePage(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	q := r.URL.Query()
	filters := ListFilters{
		Category:       strings.TrimSpace(q.Get("category")),
		PermissionType: rbac.PermissionType(strings.TrimSpace(q.Get("permission_type"))),
		RiskLevel:      rbac.RiskLevel(strings.TrimSpace(q.Get("risk_level"))),
		Search:         strings.TrimSpace(q.Get("search")),
	}
	if filters.IsActive, err = httpx.QueryOptionalBool(r, "is_active"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.List(r.Context(), filters, page)
	if err != nil {
		h.respond(w, "list permissions", err)
		return
	}
	httpx.WritePage(w, r, result)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	p, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respond(w, "get permission", err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var in CreateInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	p, err := h.service.Create(r.Context(), in)
	if err != nil {
		h.respond(w, "create permission", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, p)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.mutation(w, r)
	if !ok {
		return
	}
	var in UpdateInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	p, err := h.service.Update(r.Context(), id, actor.UserID, in)
	if err != nil {
		h.respond(w, "update permission", err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) deactivate(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.mutation(w, r)
	if !ok {
		return
	}
	p, err := h.service.Deactivate(r.Context(), id, actor.UserID, r.URL.Query().Get("reason"))
	if err != nil {
		h.respond(w, "deactivate permission", err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) completeDelete(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.mutation(w, r)
	if !ok {
		return
	}
	report, err := h.service.CompleteDelete(r.Context(), id, actor.UserID, r.URL.Query().Get("reason"))
	if err != nil {
		h.respond(w, "complete delete permission", err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) bulkHandler(op string) http.HandlerFunc {
	module := "permissions.bulk-" + op
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := httpx.Actor(r)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		var req BulkRequest
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.RespondError(w, err)
			return
		}
		key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
		if key != "" && h.idempotency != nil {
			if err := h.idempotency.CheckAndInsert(r.Context(), key, module); err != nil {
				h.respond(w, "bulk idempotency", err)
				return
			}
		}
		var result BulkResult
		if op == opGrant {
			result, err = h.service.BulkGrant(r.Context(), req, actor.UserID)
		} else {
			result, err = h.service.BulkRevoke(r.Context(), req, actor.UserID)
		}
		if err != nil {
			if key != "" && h.idempotency != nil {
				if derr := h.idempotency.Delete(r.Context(), key, module); derr != nil {
					h.logger.Warn("release idempotency key", slog.String("module", module), slog.Any("error", derr))
				}
			}
			h.respond(w, "bulk "+op, err)
			return
		}
		status := http.StatusOK
		if result.Failed > 0 {
			status = http.StatusMultiStatus
		}
		httpx.JSON(w, status, result)
	}
}

// mutation resolves the actor and path id shared by the write endpoints.
func (h *Handler) mutation(w http.ResponseWriter, r *http.Request) (shared.Actor, int64, bool) {
	actor, err := httpx.Actor(r)
	if err != nil {
		httpx.RespondError(w, err)
		return shared.Actor{}, 0, false
	}
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return shared.Actor{}, 0, false
	}
	return actor, id, true
}

func (h *Handler) respond(w http.ResponseWriter, message string, err error) {
	if !httpx.IsClientError(err) {
		h.logger.Error(message, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
