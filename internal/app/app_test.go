package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobsched/internal/config"
	"jobsched/internal/handler"
	"jobsched/internal/scheduler"
	"jobsched/internal/storage"
	logx "jobsched/pkg/logx"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Logging.Level = "error"
	cfg.Storage.Path = ":memory:"
	cfg.Scheduler.WorkerID = "test-worker"
	cfg.Scheduler.RunOnStart = true
	cfg.Scheduler.ShutdownTimeout = "5s"
	return cfg
}

func TestAppRunsDueJobOnStart(t *testing.T) {
	var runs atomic.Int32
	ctx := context.Background()
	a, err := New(ctx, Options{
		Config: testConfig(),
		Register: func(r *handler.Registry, _ logx.Logger) error {
			return r.Register("count", handler.Singleton(handler.HandlerFunc(func(context.Context, handler.ExecutionContext) error {
				runs.Add(1)
				return nil
			})))
		},
	})
	require.NoError(t, err)
	assert.True(t, a.Registry().Has("count"))
	assert.True(t, a.Registry().Has("noop"))
	assert.Equal(t, "test-worker", a.Scheduler().WorkerID())

	due := time.Now().Add(-time.Minute)
	job := &storage.Job{Name: "counter", Pattern: "* * * * *", HandlerRef: "count", Enabled: true, NextExecutionAt: &due}
	require.NoError(t, a.Store().CreateJob(ctx, job))

	require.NoError(t, a.Start(ctx))
	require.Eventually(t, func() bool { return runs.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		got, err := a.Store().GetJob(ctx, job.ID)
		return err == nil && got.Status == storage.StatusScheduled && got.NextExecutionAt.After(time.Now())
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Stop(ctx, StopAppStop))
	assert.NoError(t, a.Err())
}

func TestAppProvisionsTunables(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, Options{Config: testConfig()})
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	defer func() { _ = a.Stop(ctx, StopAppStop) }()

	v, ok, err := a.Store().GetInt(ctx, "SchedulerService.MaximumJobExecutionAttempts")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 144, v)
	assert.Equal(t, 144, a.Scheduler().MaxAttempts())
	assert.Equal(t, time.Minute, a.Scheduler().RetryDelay())
}

func TestDefaultWorkerIDIsStable(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Scheduler.WorkerID = ""
	cfg.Scheduler.App = "billing"
	cfg.Scheduler.Instance = "b"

	a, err := New(ctx, Options{Config: cfg})
	require.NoError(t, err)
	defer func() { _ = a.Stop(ctx, StopAppStop) }()

	id := a.Scheduler().WorkerID()
	assert.True(t, strings.HasPrefix(id, "billing::"), id)
	assert.True(t, strings.HasSuffix(id, "::b"), id)
	assert.Equal(t, scheduler.NewWorkerID("billing", "b"), id)
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.Driver = "mysql"
	_, err := New(context.Background(), Options{Config: cfg})
	assert.Error(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "jobsched.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pool:\n  min_workers: -1\n"), 0o600))
	_, err = New(context.Background(), Options{ConfigPath: path})
	assert.Error(t, err)
}

func TestApplyConfigUpdatesLogging(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, Options{Config: testConfig()})
	require.NoError(t, err)
	defer func() { _ = a.Stop(ctx, StopAppStop) }()

	next := testConfig()
	next.Logging.Level = "debug"
	next.Pool.MaxWorkers = 3
	a.applyConfig(next)
	assert.Equal(t, "debug", a.cfg.Logging.Level)
	assert.Equal(t, 0, a.cfg.Pool.MaxWorkers, "pool changes wait for a restart")
}

func TestReasonForSignal(t *testing.T) {
	assert.Equal(t, StopSIGINT, ReasonForSignal(os.Interrupt))
	assert.Equal(t, StopSIGTERM, ReasonForSignal(syscall.SIGTERM))
	assert.Equal(t, StopUnknown, ReasonForSignal(syscall.SIGHUP))
}
