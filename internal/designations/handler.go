package designations

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// Handler manages designation endpoints.
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

// MountRoutes registers designation routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/designations", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.guard.RequireAny(shared.PermDesignationsView, shared.PermDesignationsManage))
			r.Get("/", h.list)
			r.Get("/{id}", h.get)
		})
		r.Group(func(r chi.Router) {
			r.Use(h.guard.RequireAll(shared.PermDesignationsManage))
			r.Post("/", h.create)
			r.Put("/{id}", h.update)
			r.Delete("/{id}", h.deactivate)
			r.Post("/{id}/assign_permissions", h.assignPermissions)
			r.Post("/{id}/assign_users", h.assignUsers)
		})
	})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	page, err := httpx.ParsePage(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	filters := ListFilters{Search: strings.TrimSpace(r.URL.Query().Get("search"))}
	if filters.IsActive, err = httpx.QueryOptionalBool(r, "is_active"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.List(r.Context(), filters, page)
	if err != nil {
		h.respond(w, "list designations", err)
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
	detail, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respond(w, "get designation", err)
		return
	}
	httpx.JSON(w, http.StatusOK, detail)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var in CreateInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	d, err := h.service.Create(r.Context(), in)
	if err != nil {
		h.respond(w, "create designation", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, d)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	var in UpdateInput
	actor, id, ok := h.decodeMutation(w, r, &in)
	if !ok {
		return
	}
	d, err := h.service.Update(r.Context(), id, actor.UserID, in)
	if err != nil {
		h.respond(w, "update designation", err)
		return
	}
	httpx.JSON(w, http.StatusOK, d)
}

func (h *Handler) deactivate(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.decodeMutation(w, r, nil)
	if !ok {
		return
	}
	d, err := h.service.Deactivate(r.Context(), id, actor.UserID, r.URL.Query().Get("reason"))
	if err != nil {
		h.respond(w, "deactivate designation", err)
		return
	}
	httpx.JSON(w, http.StatusOK, d)
}

func (h *Handler) assignPermissions(w http.ResponseWriter, r *http.Request) {
	var in AssignPermissionsInput
	actor, id, ok := h.decodeMutation(w, r, &in)
	if !ok {
		return
	}
	res, err := h.service.AssignPermissions(r.Context(), id, actor.UserID, in)
	if err != nil {
		h.respond(w, "assign designation permissions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) assignUsers(w http.ResponseWriter, r *http.Request) {
	var in AssignUsersInput
	actor, id, ok := h.decodeMutation(w, r, &in)
	if !ok {
		return
	}
	res, err := h.service.AssignUsers(r.Context(), id, actor.UserID, in)
	if err != nil {
		h.respond(w, "assign designation users", err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

// decodeMutation resolves the actor and path id, then decodes the body into
// target when one is given.
func (h *Handler) decodeMutation(w http.ResponseWriter, r *http.Request, target any) (shared.Actor, int64, bool) {
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
	if target != nil {
		if err := httpx.DecodeJSON(r, target); err != nil {
			httpx.RespondError(w, err)
			return shared.Actor{}, 0, false
		}
	}
	return actor, id, true
}

func (h *Handler) respond(w http.ResponseWriter, message string, err error) {
	if !httpx.IsClientError(err) {
		h.logger.Error(message, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
