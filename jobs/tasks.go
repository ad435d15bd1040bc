package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueCritical carries tasks that change what users are allowed to do.
	QueueCritical = "critical"
	// TaskOverrideExpiry marks lapsed auto-expiring overrides as expired.
	TaskOverrideExpiry = "rbac:overrides:expire"
	// TaskCacheWarmup resolves users with recent permission changes ahead of use.
	TaskCacheWarmup = "rbac:cache:warmup"
	// TaskCachePurge drops every cached resolution.
	TaskCachePurge = "rbac:cache:purge"
	// TaskIdempotencyCleanup removes stale bulk idempotency keys.
	TaskIdempotencyCleanup = "rbac:idempotency:cleanup"
)

// Queues lists every queue the worker serves with its priority weight.
var Queues = map[string]int{
	QueueCritical: 6,
	QueueDefault:  3,
}

// QueueFor returns the queue a task type is enqueued on.
func QueueFor(taskType string) string {
	switch taskType {
	case TaskOverrideExpiry, TaskCachePurge:
		return QueueCritical
	}
	return QueueDefault
}

// CacheWarmupPayload bounds a warmup run.
type CacheWarmupPayload struct {
	LookbackMinutes int `json:"lookback_minutes"`
	Limit           int `json:"limit"`
}

func (p CacheWarmupPayload) normalize() CacheWarmupPayload {
	if p.LookbackMinutes <= 0 {
		p.LookbackMinutes = 60
	}
	if p.Limit <= 0 || p.Limit > 5000 {
		p.Limit = 500
	}
	return p
}

func (p CacheWarmupPayload) lookback() time.Duration {
	return time.Duration(p.LookbackMinutes) * time.Minute
}

// NewOverrideExpiryTask constructs the expiry sweep task. A sweep that
// overlaps the next tick is skipped rather than queued twice.
func NewOverrideExpiryTask() *asynq.Task {
	return asynq.NewTask(TaskOverrideExpiry, nil, asynq.Queue(QueueCritical), asynq.Unique(time.Minute))
}

// NewCacheWarmupTask constructs a warmup task.
func NewCacheWarmupTask(payload CacheWarmupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload.normalize())
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCacheWarmup, data, asynq.Queue(QueueDefault)), nil
}

// NewCachePurgeTask constructs a purge task.
func NewCachePurgeTask() *asynq.Task {
	return asynq.NewTask(TaskCachePurge, nil, asynq.Queue(QueueCritical))
}

// NewIdempotencyCleanupTask constructs a cleanup task.
func NewIdempotencyCleanupTask() *asynq.Task {
	return asynq.NewTask(TaskIdempotencyCleanup, nil, asynq.Queue(QueueDefault))
}

// NewTask builds a task by name with its default payload.
func NewTask(name string) (*asynq.Task, error) {
	switch name {
	case TaskOverrideExpiry:
		return NewOverrideExpiryTask(), nil
	case TaskCacheWarmup:
		return NewCacheWarmupTask(CacheWarmupPayload{})
	case TaskCachePurge:
		return NewCachePurgeTask(), nil
	case TaskIdempotencyCleanup:
		return NewIdempotencyCleanupTask(), nil
	}
	return nil, fmt.Errorf("jobs: unsupported task %q", name)
}
