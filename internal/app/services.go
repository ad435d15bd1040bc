package app

import (
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	audithttp "github.com/odyssey-erp/odyssey-access/internal/audit/http"
	"github.com/odyssey-erp/odyssey-access/internal/auth"
	"github.com/odyssey-erp/odyssey-access/internal/designations"
	"github.com/odyssey-erp/odyssey-access/internal/groups"
	"github.com/odyssey-erp/odyssey-access/internal/overrides"
	"github.com/odyssey-erp/odyssey-access/internal/permissions"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	rbachttp "github.com/odyssey-erp/odyssey-access/internal/rbac/http"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
	"github.com/odyssey-erp/odyssey-access/internal/users"
)

// Services holds the domain services shared by the API server and the worker.
type Services struct {
	RBACRepo     *rbac.Repository
	RBAC         *rbac.Service
	Audit        *audit.Service
	Permissions  *permissions.Service
	Groups       *groups.Service
	Designations *designations.Service
	Overrides    *overrides.Service
	Users        *users.Service
	Auth         *auth.Service
	Sessions     *shared.SessionManager
	Idempotency  *shared.IdempotencyStore
}

// NewServices wires repositories and services over the shared pool and Redis
// client. The resolution service is the cache invalidator and access checker
// for every mutating service.
func NewServices(cfg *Config, pool *pgxpool.Pool, redisClient *redis.Client, logger *slog.Logger) (*Services, error) {
	cache, err := rbac.NewCache(cfg.CacheBackend, redisClient, cfg.CacheSize, cfg.CacheTTL)
	if err != nil {
		return nil, fmt.Errorf("app: permission cache: %w", err)
	}
	recorder := audit.NewRecorder()
	auditService := audit.NewService(audit.NewRepository(pool))
	rbacRepo := rbac.NewRepository(pool)
	rbacService := rbac.NewService(rbacRepo, cache, auditService, logger)
	sessions := shared.NewSessionManager(redisClient, "odyssey_access_session", cfg.SessionTTL)

	return &Services{
		RBACRepo:     rbacRepo,
		RBAC:         rbacService,
		Audit:        auditService,
		Permissions:  permissions.NewService(permissions.NewRepository(pool, recorder), rbacService, rbacService, logger, cfg.BulkConcurrency),
		Groups:       groups.NewService(groups.NewRepository(pool, recorder), rbacService, logger),
		Designations: designations.NewService(designations.NewRepository(pool, recorder), rbacService, logger),
		Overrides:    overrides.NewService(overrides.NewRepository(pool, recorder), rbacService, rbacService, logger),
		Users:        users.NewService(users.NewRepository(pool)),
		Auth:         auth.NewService(auth.NewRepository(pool), sessions, logger),
		Sessions:     sessions,
		Idempotency:  shared.NewIdempotencyStore(pool),
	}, nil
}

// Handlers builds every HTTP handler guarded by the service's own
// resolution engine.
func (s *Services) Handlers(logger *slog.Logger) Handlers {
	guard := rbac.Middleware{Service: s.RBAC, Logger: logger}
	return Handlers{
		Auth:         auth.NewHandler(logger, s.Auth),
		Users:        users.NewHandler(logger, s.Users, guard),
		Permissions:  permissions.NewHandler(logger, s.Permissions, guard, s.Idempotency),
		Groups:       groups.NewHandler(logger, s.Groups, guard),
		Designations: designations.NewHandler(logger, s.Designations, guard),
		Effective:    rbachttp.NewHandler(logger, s.RBAC, guard),
		Overrides:    overrides.NewHandler(logger, s.Overrides, guard),
		Audit:        audithttp.NewHandler(logger, s.Audit, guard),
	}
}
