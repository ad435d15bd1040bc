package rbac

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// PermissionLister returns the codes a user holds as granted.
type PermissionLister interface {
	EffectivePermissions(ctx context.Context, userID int64) ([]string, error)
}

// Middleware wires RBAC authorization helpers for HTTP handlers. The
// service's own API is guarded by the same resolution it serves.
type Middleware struct {
	Service PermissionLister
	Logger  *slog.Logger
}

// RequireAny ensures the current user has at least one of the required permissions.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	return m.require("any", perms, func(held map[string]struct{}, required []string) bool {
		for _, code := range required {
			if _, ok := held[code]; ok {
				return true
			}
		}
		return false
	})
}

// RequireAll ensures the current user has all required permissions.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	return m.require("all", perms, func(held map[string]struct{}, required []string) bool {
		for _, code := range required {
			if _, ok := held[code]; !ok {
				return false
			}
		}
		return true
	})
}

type matcher func(held map[string]struct{}, required []string) bool

func (m Middleware) require(mode string, perms []string, match matcher) func(http.Handler) http.Handler {
	required := normalizePermissions(perms)
	return func(next http.Handler) http.Handler {
		if len(required) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := shared.ActorFromContext(r.Context())
			if !ok {
				httpx.RespondError(w, shared.ErrUnauthorized)
				return
			}
			if actor.SuperUser {
				next.ServeHTTP(w, r)
				return
			}
			granted, err := m.Service.EffectivePermissions(r.Context(), actor.UserID)
			if err != nil {
				m.log(r).Error("rbac require "+mode, slog.Int64("user_id", actor.UserID), slog.Any("error", err))
				httpx.RespondError(w, err)
				return
			}
			if !match(toSet(granted), required) {
				m.log(r).Debug("rbac denied", slog.Int64("user_id", actor.UserID),
					slog.String("mode", mode), slog.Any("required", required))
				httpx.RespondError(w, shared.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m Middleware) log(r *http.Request) *slog.Logger {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if id := middleware.GetReqID(r.Context()); id != "" {
		logger = logger.With(slog.String("request_id", id))
	}
	return logger
}

func normalizePermissions(perms []string) []string {
	seen := make(map[string]struct{}, len(perms))
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func toSet(codes []string) map[string]struct{} {
	set := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		set[strings.ToLower(c)] = struct{}{}
	}
	return set
}
