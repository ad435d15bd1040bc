package app

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-access/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-access/internal/platform/db"
)

const testModeEnv = "ODYSSEY_TEST_MODE"

var (
	testModeFlag atomic.Bool
	testModeOnce sync.Once
)

// detectTestMode reads the ODYSSEY_TEST_MODE flag once.
func detectTestMode() {
	testModeFlag.Store(os.Getenv(testModeEnv) == "1")
}

// InTestMode reports whether the application should skip runtime side effects.
func InTestMode() bool {
	testModeOnce.Do(detectTestMode)
	return testModeFlag.Load()
}

// RefreshTestMode updates the cached flag after environment changes.
func RefreshTestMode() {
	detectTestMode()
}

// Runtime owns the process-wide connections.
type Runtime struct {
	Pool  *pgxpool.Pool
	Redis *redis.Client
}

// Connect opens PostgreSQL and Redis. Both must answer a ping.
func Connect(ctx context.Context, cfg *Config) (*Runtime, error) {
	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		return nil, err
	}
	client, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return &Runtime{Pool: pool, Redis: client}, nil
}

// Ping checks both connections.
func (rt *Runtime) Ping(ctx context.Context) error {
	if err := rt.Pool.Ping(ctx); err != nil {
		return err
	}
	return rt.Redis.Ping(ctx).Err()
}

// Close releases the connections.
func (rt *Runtime) Close(logger *slog.Logger) {
	if err := rt.Redis.Close(); err != nil && logger != nil {
		logger.Warn("redis close", slog.Any("error", err))
	}
	rt.Pool.Close()
}
