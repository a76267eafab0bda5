package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/smallbiznis/playmaker/internal/authorization"
	"github.com/smallbiznis/playmaker/internal/clock"
	obsmetrics "github.com/smallbiznis/playmaker/internal/observability/metrics"
	reconciledomain "github.com/smallbiznis/playmaker/internal/reconcile/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSweeper struct {
	mu       sync.Mutex
	actors   []reconciledomain.Actor
	requests []reconciledomain.SweepRequest
	result   reconciledomain.SweepResult
	err      error
}

func (f *fakeSweeper) Sweep(_ context.Context, actor reconciledomain.Actor, req reconciledomain.SweepRequest) (reconciledomain.SweepResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actors = append(f.actors, actor)
	f.requests = append(f.requests, req)
	return f.result, f.err
}

func (f *fakeSweeper) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.actors)
}

type fakeLocker struct {
	mu       sync.Mutex
	held     bool
	err      error
	keys     []string
	ttls     []time.Duration
	released []string
}

func (l *fakeLocker) TryLock(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys = append(l.keys, key)
	l.ttls = append(l.ttls, ttl)
	if l.err != nil {
		return "", false, l.err
	}
	if l.held {
		return "", false, nil
	}
	return "token-1", true, nil
}

func (l *fakeLocker) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = append(l.released, key+"="+token)
	return nil
}

func newTestScheduler(t *testing.T, sweeper Sweeper, locker Locker) (*Scheduler, *prometheus.Registry) {
	t.Helper()
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	t.Cleanup(restore)

	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{
		ServiceName: "playmaker",
		Environment: "test",
	})

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	s, err := New(Params{
		Log:     zap.NewNop(),
		Clock:   clock.NewFakeClock(time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)),
		GenID:   node,
		Sweeper: sweeper,
		Locker:  locker,
		Config:  Config{Enabled: true, BatchSize: 25, JobTimeout: time.Minute, LockTTL: 2 * time.Minute},
	})
	require.NoError(t, err)
	return s, registry
}

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	s, registry := newTestScheduler(t, &fakeSweeper{}, nil)

	err := s.runJob(context.Background(), "timeout_job", 0, 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	labels := map[string]string{
		"service": "playmaker",
		"env":     "test",
		"job":     "timeout_job",
	}
	if got := getCounterValue(t, registry, "playmaker_scheduler_job_timeouts_total", labels); got != 1 {
		t.Fatalf("expected timeout count 1, got %v", got)
	}

	errorLabels := map[string]string{
		"service": "playmaker",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.SchedulerJobReasonDeadlineExceeded,
	}
	if got := getCounterValue(t, registry, "playmaker_scheduler_job_errors_total", errorLabels); got != 1 {
		t.Fatalf("expected error count 1, got %v", got)
	}
}

func TestRunOnceSweepsAsSystem(t *testing.T) {
	sweeper := &fakeSweeper{result: reconciledomain.SweepResult{Checked: 3, Updated: 1}}
	s, registry := newTestScheduler(t, sweeper, nil)

	require.NoError(t, s.RunOnce(context.Background()))

	require.Equal(t, 1, sweeper.calls())
	assert.Equal(t, authorization.RoleSystem, sweeper.actors[0].Role)
	assert.Zero(t, sweeper.actors[0].UserID)
	assert.Equal(t, 25, sweeper.requests[0].Limit)

	base := map[string]string{"service": "playmaker", "env": "test", "job": JobReconcileSweep}
	checked := copyLabels(base, "resource", obsmetrics.SweepResourceChecked)
	updated := copyLabels(base, "resource", obsmetrics.SweepResourceUpdated)
	assert.Equal(t, float64(3), getCounterValue(t, registry, "playmaker_scheduler_batch_processed_total", checked))
	assert.Equal(t, float64(1), getCounterValue(t, registry, "playmaker_scheduler_batch_processed_total", updated))
	assert.Equal(t, float64(1), getCounterValue(t, registry, "playmaker_scheduler_job_runs_total", base))
}

func TestRunOnceWrapsSweepError(t *testing.T) {
	sweeper := &fakeSweeper{err: authorization.ErrForbidden}
	s, _ := newTestScheduler(t, sweeper, nil)

	err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, authorization.ErrForbidden)
	assert.Contains(t, err.Error(), JobReconcileSweep)
}

func TestRunOnceTakesAndReleasesLock(t *testing.T) {
	sweeper := &fakeSweeper{}
	locker := &fakeLocker{}
	s, registry := newTestScheduler(t, sweeper, locker)

	require.NoError(t, s.RunOnce(context.Background()))

	assert.Equal(t, 1, sweeper.calls())
	assert.Equal(t, []string{lockKeyPrefix + JobReconcileSweep}, locker.keys)
	assert.Equal(t, []time.Duration{2 * time.Minute}, locker.ttls)
	assert.Equal(t, []string{lockKeyPrefix + JobReconcileSweep + "=token-1"}, locker.released)

	labels := map[string]string{"service": "playmaker", "env": "test", "job": JobReconcileSweep, "outcome": obsmetrics.LockOutcomeAcquired}
	assert.Equal(t, float64(1), getCounterValue(t, registry, "playmaker_scheduler_lock_total", labels))
}

func TestRunOnceSkipsWhenAnotherReplicaHoldsLock(t *testing.T) {
	sweeper := &fakeSweeper{}
	locker := &fakeLocker{held: true}
	s, registry := newTestScheduler(t, sweeper, locker)

	require.NoError(t, s.RunOnce(context.Background()))

	assert.Zero(t, sweeper.calls())
	assert.Empty(t, locker.released)
	labels := map[string]string{"service": "playmaker", "env": "test", "job": JobReconcileSweep, "outcome": obsmetrics.LockOutcomeHeld}
	assert.Equal(t, float64(1), getCounterValue(t, registry, "playmaker_scheduler_lock_total", labels))
}

func TestRunOnceLockErrorSkipsSweep(t *testing.T) {
	sweeper := &fakeSweeper{}
	locker := &fakeLocker{err: errors.New("redis: connection refused")}
	s, _ := newTestScheduler(t, sweeper, locker)

	err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.Zero(t, sweeper.calls())
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{JobTimeout: 10 * time.Minute, LockTTL: time.Minute}.withDefaults()
	assert.Equal(t, 5*time.Minute, cfg.RunInterval)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Greater(t, cfg.LockTTL, cfg.JobTimeout)
}

func TestNewRequiresSweeper(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop(), Clock: clock.SystemClock{}})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func copyLabels(base map[string]string, key, value string) map[string]string {
	out := make(map[string]string, len(base)+1)
	for k, v := range base {
		out[k] = v
	}
	out[key] = value
	return out
}

func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	return func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetSchedulerMetricsForTest()
	}
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			if metric.Counter == nil {
				t.Fatalf("metric %s is not a counter", name)
			}
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
