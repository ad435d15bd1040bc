package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	audithttp "github.com/odyssey-erp/odyssey-access/internal/audit/http"
	"github.com/odyssey-erp/odyssey-access/internal/auth"
	"github.com/odyssey-erp/odyssey-access/internal/designations"
	"github.com/odyssey-erp/odyssey-access/internal/groups"
	"github.com/odyssey-erp/odyssey-access/internal/observability"
	"github.com/odyssey-erp/odyssey-access/internal/overrides"
	"github.com/odyssey-erp/odyssey-access/internal/permissions"
	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	rbachttp "github.com/odyssey-erp/odyssey-access/internal/rbac/http"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
	"github.com/odyssey-erp/odyssey-access/internal/users"
	"github.com/odyssey-erp/odyssey-access/jobs"
)

// Handlers groups the domain HTTP handlers.
type Handlers struct {
	Auth         *auth.Handler
	Users        *users.Handler
	Permissions  *permissions.Handler
	Groups       *groups.Handler
	Designations *designations.Handler
	Effective    *rbachttp.Handler
	Overrides    *overrides.Handler
	Audit        *audithttp.Handler
}

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	SessionManager *shared.SessionManager
	Handlers       Handlers
	JobHandler     *jobs.Handler
	Metrics        *observability.Metrics
	Health         func(r *http.Request) error
}

// NewRouter constructs the chi.Router with Odyssey defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:         params.Logger,
		Config:         params.Config,
		SessionManager: params.SessionManager,
		Metrics:        params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if params.Health != nil {
			if err := params.Health(r); err != nil {
				if params.Logger != nil {
					params.Logger.Warn("health check", slog.Any("error", err))
				}
				httpx.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
				return
			}
		}
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	h := params.Handlers
	if h.Auth != nil {
		h.Auth.MountRoutes(r)
	}
	if h.Users != nil {
		h.Users.MountRoutes(r)
	}
	if h.Permissions != nil {
		h.Permissions.MountRoutes(r)
	}
	if h.Groups != nil {
		h.Groups.MountRoutes(r)
	}
	if h.Designations != nil {
		h.Designations.MountRoutes(r)
	}
	if h.Effective != nil || h.Overrides != nil {
		r.Route("/user-permissions", func(r chi.Router) {
			if h.Effective != nil {
				h.Effective.MountRoutes(r)
			}
			if h.Overrides != nil {
				h.Overrides.MountRoutes(r)
			}
		})
	}
	if h.Audit != nil {
		h.Audit.MountRoutes(r)
	}
	if params.JobHandler != nil {
		params.JobHandler.MountRoutes(r)
	}
	return r
}
