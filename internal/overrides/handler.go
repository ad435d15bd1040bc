package overrides

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// Handler exposes user permission overrides.
type Handler struct {
	logger  *slog.Logger
	service *Service
	guard   httpx.Guard
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, guard httpx.Guard) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if guard == nil {
		guard = httpx.OpenGuard{}
	}
	return &Handler{logger: logger, service: service, guard: guard}
}

// MountRoutes registers routes relative to the /user-permissions prefix.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(h.guard.RequireAny(shared.PermOverridesView, shared.PermOverridesManage)).Get("/overrides", h.list)
	r.With(h.guard.RequireAny(shared.PermOverridesView, shared.PermOverridesManage)).Get("/overrides/{id}", h.get)
	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequireAll(shared.PermOverridesManage))
		r.Post("/create_override", h.create)
		r.Put("/overrides/{id}", h.update)
		r.Delete("/overrides/{id}", h.delete)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequireAll(shared.PermOverridesApprove))
		r.Post("/overrides/{id}/approve", h.approve)
		r.Post("/overrides/{id}/reject", h.reject)
	})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	page, err := httpx.ParsePage(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	userID, _, err := httpx.QueryInt64(r, "user_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	includeInactive, err := httpx.QueryBool(r, "include_inactive")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	filters := ListFilters{
		UserID:          userID,
		Status:          rbac.ApprovalStatus(strings.TrimSpace(r.URL.Query().Get("approval_status"))),
		IncludeInactive: includeInactive,
	}
	result, err := h.service.List(r.Context(), filters, page)
	if err != nil {
		h.respond(w, "list overrides", err)
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
	o, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respond(w, "get override", err)
		return
	}
	httpx.JSON(w, http.StatusOK, o)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.Actor(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var in CreateInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	o, err := h.service.Create(r.Context(), actor, in)
	if err != nil {
		h.respond(w, "create override", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, o)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.target(w, r)
	if !ok {
		return
	}
	var in UpdateInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	o, err := h.service.Update(r.Context(), actor, id, in)
	if err != nil {
		h.respond(w, "update override", err)
		return
	}
	httpx.JSON(w, http.StatusOK, o)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.target(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), actor, id, r.URL.Query().Get("reason")); err != nil {
		h.respond(w, "delete override", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type decisionFunc func(ctx context.Context, actor shared.Actor, id int64, reason string) (Override, error)

type decisionRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.service.Approve)
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.service.Reject)
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request, fn decisionFunc) {
	actor, id, ok := h.target(w, r)
	if !ok {
		return
	}
	var req decisionRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	o, err := fn(r.Context(), actor, id, req.Reason)
	if err != nil {
		h.respond(w, "decide override", err)
		return
	}
	httpx.JSON(w, http.StatusOK, o)
}

func (h *Handler) target(w http.ResponseWriter, r *http.Request) (shared.Actor, int64, bool) {
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
