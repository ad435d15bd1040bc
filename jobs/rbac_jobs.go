package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-access/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// OverrideExpirer marks lapsed overrides as expired.
type OverrideExpirer interface {
	ExpireDue(ctx context.Context) (int, error)
}

// ChangeFeed lists users whose grants changed recently.
type ChangeFeed interface {
	RecentlyChangedUsers(ctx context.Context, since time.Time, limit int) ([]int64, error)
}

// CacheWarmer resolves and caches permissions for users.
type CacheWarmer interface {
	Warm(ctx context.Context, userIDs []int64) (int, error)
	Purge(ctx context.Context) error
}

// OverrideExpiryJob runs the override expiry sweep.
type OverrideExpiryJob struct {
	Overrides OverrideExpirer
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewOverrideExpiryJob wires dependencies for the expiry handler.
func NewOverrideExpiryJob(overrides OverrideExpirer, logger *slog.Logger, metrics *jobmetrics.Metrics) *OverrideExpiryJob {
	return &OverrideExpiryJob{Overrides: overrides, Logger: logger, Metrics: metrics}
}

// Handle processes expiry tasks.
func (j *OverrideExpiryJob) Handle(ctx context.Context, _ *asynq.Task) (err error) {
	if j == nil || j.Overrides == nil {
		return errors.New("override expiry: handler not configured")
	}
	m := metricsOrDefault(j.Metrics)
	tracker := m.Track(TaskOverrideExpiry)
	defer func() { err = tracker.End(err) }()

	n, err := j.Overrides.ExpireDue(ctx)
	if err != nil {
		jobLogger(j.Logger, TaskOverrideExpiry).Error("expire overrides", slog.Any("error", err))
		return err
	}
	m.AddItems(TaskOverrideExpiry, n)
	if n > 0 {
		jobLogger(j.Logger, TaskOverrideExpiry).Info("expired overrides", slog.Int("count", n))
	}
	return nil
}

// CacheWarmupJob pre-populates the permission cache for recently changed users.
type CacheWarmupJob struct {
	Changes ChangeFeed
	Cache   CacheWarmer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewCacheWarmupJob wires dependencies for the warmup handler.
func NewCacheWarmupJob(changes ChangeFeed, cache CacheWarmer, logger *slog.Logger, metrics *jobmetrics.Metrics) *CacheWarmupJob {
	return &CacheWarmupJob{
		Changes: changes,
		Cache:   cache,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes warmup tasks.
func (j *CacheWarmupJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Changes == nil || j.Cache == nil {
		return errors.New("cache warmup: handler not configured")
	}
	var payload CacheWarmupPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	payload = payload.normalize()

	m := metricsOrDefault(j.Metrics)
	tracker := m.Track(TaskCacheWarmup)
	defer func() { err = tracker.End(err) }()

	logger := jobLogger(j.Logger, TaskCacheWarmup).With(slog.Int("lookback_minutes", payload.LookbackMinutes))
	start := j.clock()
	users, err := j.Changes.RecentlyChangedUsers(ctx, start.Add(-payload.lookback()), payload.Limit)
	if err != nil {
		logger.Error("load changed users", slog.Any("error", err))
		return err
	}
	if len(users) == 0 {
		logger.Info("no users to warm")
		return nil
	}
	warmed, err := j.Cache.Warm(ctx, users)
	m.AddItems(TaskCacheWarmup, warmed)
	if err != nil {
		logger.Error("warm cache", slog.Int("warmed", warmed), slog.Any("error", err))
		return err
	}
	logger.Info("completed cache warmup", slog.Int("users", warmed), slog.Duration("duration", time.Since(start)))
	return nil
}

// CachePurgeJob drops every cached resolution.
type CachePurgeJob struct {
	Cache   CacheWarmer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// Handle processes purge tasks.
func (j *CachePurgeJob) Handle(ctx context.Context, _ *asynq.Task) (err error) {
	if j == nil || j.Cache == nil {
		return errors.New("cache purge: handler not configured")
	}
	tracker := metricsOrDefault(j.Metrics).Track(TaskCachePurge)
	defer func() { err = tracker.End(err) }()
	if err := j.Cache.Purge(ctx); err != nil {
		jobLogger(j.Logger, TaskCachePurge).Error("purge cache", slog.Any("error", err))
		return err
	}
	jobLogger(j.Logger, TaskCachePurge).Info("permission cache purged")
	return nil
}

// KeyCleaner removes idempotency keys older than a cutoff.
type KeyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) error
}

// IdempotencyCleanupJob trims the idempotency key table.
type IdempotencyCleanupJob struct {
	Keys      KeyCleaner
	Retention time.Duration
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewIdempotencyCleanupJob wires dependencies for the cleanup handler.
func NewIdempotencyCleanupJob(keys KeyCleaner, retention time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) *IdempotencyCleanupJob {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &IdempotencyCleanupJob{Keys: keys, Retention: retention, Logger: logger, Metrics: metrics}
}

// Handle processes cleanup tasks.
func (j *IdempotencyCleanupJob) Handle(ctx context.Context, _ *asynq.Task) (err error) {
	if j == nil || j.Keys == nil {
		return errors.New("idempotency cleanup: handler not configured")
	}
	tracker := metricsOrDefault(j.Metrics).Track(TaskIdempotencyCleanup)
	defer func() { err = tracker.End(err) }()
	if err := j.Keys.Cleanup(ctx, j.Retention); err != nil {
		jobLogger(j.Logger, TaskIdempotencyCleanup).Error("cleanup idempotency keys", slog.Any("error", err))
		return err
	}
	return nil
}

func jobLogger(l *slog.Logger, job string) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	return l.With(slog.String("job", job))
}

func metricsOrDefault(m *jobmetrics.Metrics) *jobmetrics.Metrics {
	if m != nil {
		return m
	}
	return defaultJobMetrics
}
