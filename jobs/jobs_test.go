package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/odyssey-erp/odyssey-access/internal/jobs"
)

type stubExpirer struct {
	n   int
	err error
}

func (s stubExpirer) ExpireDue(context.Context) (int, error) { return s.n, s.err }

type stubFeed struct {
	users []int64
	since time.Time
	limit int
}

func (s *stubFeed) RecentlyChangedUsers(_ context.Context, since time.Time, limit int) ([]int64, error) {
	s.since, s.limit = since, limit
	return s.users, nil
}

type stubCache struct {
	warmed []int64
	purged bool
}

func (s *stubCache) Warm(_ context.Context, ids []int64) (int, error) {
	s.warmed = append(s.warmed, ids...)
	return len(ids), nil
}

func (s *stubCache) Purge(context.Context) error {
	s.purged = true
	return nil
}

func testMetrics() *jobmetrics.Metrics {
	return jobmetrics.NewMetrics(prometheus.NewRegistry())
}

func TestOverrideExpiryJob(t *testing.T) {
	job := NewOverrideExpiryJob(stubExpirer{n: 3}, nil, testMetrics())
	require.NoError(t, job.Handle(context.Background(), NewOverrideExpiryTask()))

	failing := NewOverrideExpiryJob(stubExpirer{err: errors.New("db down")}, nil, testMetrics())
	assert.Error(t, failing.Handle(context.Background(), NewOverrideExpiryTask()))
}

func TestCacheWarmupUsesLookback(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	feed := &stubFeed{users: []int64{4, 9}}
	cache := &stubCache{}
	job := NewCacheWarmupJob(feed, cache, nil, testMetrics())
	job.clock = func() time.Time { return now }

	task, err := NewCacheWarmupTask(CacheWarmupPayload{LookbackMinutes: 30})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	assert.Equal(t, now.Add(-30*time.Minute), feed.since)
	assert.Equal(t, 500, feed.limit)
	assert.Equal(t, []int64{4, 9}, cache.warmed)
}

func TestCacheWarmupSkipsMalformedPayload(t *testing.T) {
	job := NewCacheWarmupJob(&stubFeed{}, &stubCache{}, nil, testMetrics())
	err := job.Handle(context.Background(), asynq.NewTask(TaskCacheWarmup, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestCachePurgeJob(t *testing.T) {
	cache := &stubCache{}
	job := &CachePurgeJob{Cache: cache, Metrics: testMetrics()}
	require.NoError(t, job.Handle(context.Background(), NewCachePurgeTask()))
	assert.True(t, cache.purged)
}

type stubCleaner struct{ olderThan time.Duration }

func (s *stubCleaner) Cleanup(_ context.Context, olderThan time.Duration) error {
	s.olderThan = olderThan
	return nil
}

func TestIdempotencyCleanupDefaultsRetention(t *testing.T) {
	keys := &stubCleaner{}
	job := NewIdempotencyCleanupJob(keys, 0, nil, testMetrics())
	require.NoError(t, job.Handle(context.Background(), NewIdempotencyCleanupTask()))
	assert.Equal(t, 24*time.Hour, keys.olderThan)
}

func TestNewTaskRejectsUnknownName(t *testing.T) {
	_, err := NewTask("mail:send")
	assert.Error(t, err)
	task, err := NewTask(TaskCacheWarmup)
	require.NoError(t, err)
	assert.Equal(t, TaskCacheWarmup, task.Type())
}

type stubInspector struct {
	infos map[string]*asynq.QueueInfo
	err   error
}

func (s stubInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	if s.err != nil {
		return nil, s.err
	}
	info, ok := s.infos[queue]
	if !ok {
		return nil, asynq.ErrQueueNotFound
	}
	return info, nil
}

func TestHealthReportsQueues(t *testing.T) {
	r := chi.NewRouter()
	inspector := stubInspector{infos: map[string]*asynq.QueueInfo{
		QueueDefault: {Queue: QueueDefault, Pending: 2, Retry: 1},
	}}
	NewHandler(inspector, nil).MountRoutes(r)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var body healthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Queues, 2)
	assert.Equal(t, QueueCritical, body.Queues[0].Queue)
	assert.Zero(t, body.Queues[0].Pending)
	assert.Equal(t, 2, body.Queues[1].Pending)
	assert.Equal(t, 1, body.Queues[1].Retry)
}

func TestQueueRouting(t *testing.T) {
	assert.Equal(t, QueueCritical, QueueFor(TaskOverrideExpiry))
	assert.Equal(t, QueueCritical, QueueFor(TaskCachePurge))
	assert.Equal(t, QueueDefault, QueueFor(TaskCacheWarmup))
	assert.Equal(t, QueueDefault, QueueFor(TaskIdempotencyCleanup))
}

func TestHealthUnavailable(t *testing.T) {
	r := chi.NewRouter()
	NewHandler(stubInspector{err: errors.New("redis down")}, nil).MountRoutes(r)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
