package rbachttp

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// Resolver is the read side of the effective permission service.
type Resolver interface {
	Effective(ctx context.Context, userID int64, forceRefresh bool) (rbac.Resolution, error)
	Check(ctx context.Context, userID int64, code string) (rbac.CheckResult, error)
	Dashboard(ctx context.Context, userID int64) (rbac.Dashboard, error)
}

// Handler serves effective permission lookups.
type Handler struct {
	logger    *slog.Logger
	service   Resolver
	guard     httpx.Guard
	validator *shared.Validator
}

// NewHandler builds a Handler.
func NewHandler(logger *slog.Logger, service Resolver, guard httpx.Guard) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if guard == nil {
		guard = httpx.OpenGuard{}
	}
	return &Handler{logger: logger, service: service, guard: guard, validator: shared.NewValidator()}
}

// MountRoutes registers routes relative to the /user-permissions prefix.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.selfOr(shared.PermEffectiveView))
		r.Get("/effective_permissions", h.effectivePermissions)
		r.Post("/check_permission", h.checkPermission)
		r.Get("/permission_dashboard", h.permissionDashboard)
	})
}

// selfOr lets users inspect their own permissions and requires perm for anyone else.
func (h *Handler) selfOr(perm string) func(http.Handler) http.Handler {
	guarded := h.guard.RequireAny(perm)
	return func(next http.Handler) http.Handler {
		protected := guarded(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := shared.ActorFromContext(r.Context())
			if ok && r.Method == http.MethodGet {
				if id, present, err := httpx.QueryInt64(r, "user_id"); err == nil && present && id == actor.UserID {
					next.ServeHTTP(w, r)
					return
				}
			}
			protected.ServeHTTP(w, r)
		})
	}
}

type effectiveResponse struct {
	UserID      int64                      `json:"user_id"`
	Count       int                        `json:"count"`
	Permissions []rbac.EffectivePermission `json:"permissions"`
	Resources   []rbac.ResourceAccess      `json:"resources"`
	Summary     rbac.Summary               `json:"summary"`
	ComputedAt  time.Time                  `json:"computed_at"`
	Cached      bool                       `json:"cached"`
}

func (h *Handler) effectivePermissions(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUserID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	force, err := httpx.QueryBool(r, "force_refresh")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	res, err := h.service.Effective(r.Context(), userID, force)
	if err != nil {
		h.respond(w, "effective permissions", err)
		return
	}
	perms := res.Permissions
	if perms == nil {
		perms = []rbac.EffectivePermission{}
	}
	resources := res.Resources
	if resources == nil {
		resources = []rbac.ResourceAccess{}
	}
	httpx.JSON(w, http.StatusOK, effectiveResponse{
		UserID:      userID,
		Count:       len(perms),
		Permissions: perms,
		Resources:   resources,
		Summary:     rbac.BuildSummary(perms),
		ComputedAt:  res.ComputedAt,
		Cached:      res.Cached,
	})
}

type checkRequest struct {
	UserID         int64  `json:"user_id" validate:"required,gt=0"`
	PermissionCode string `json:"permission_code" validate:"required,max=150"`
}

func (h *Handler) checkPermission(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.Check(r.Context(), req.UserID, strings.TrimSpace(req.PermissionCode))
	if err != nil {
		h.respond(w, "check permission", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) permissionDashboard(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUserID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	dash, err := h.service.Dashboard(r.Context(), userID)
	if err != nil {
		h.respond(w, "permission dashboard", err)
		return
	}
	httpx.JSON(w, http.StatusOK, dash)
}

func requireUserID(r *http.Request) (int64, error) {
	id, ok, err := httpx.QueryInt64(r, "user_id")
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, shared.NewValidationError("user_id", "required")
	}
	return id, nil
}

func (h *Handler) respond(w http.ResponseWriter, message string, err error) {
	if !httpx.IsClientError(err) {
		h.logger.Error(message, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
