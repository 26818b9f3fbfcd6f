package poller

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobsched/internal/eventbus"
	"jobsched/internal/handler"
	"jobsched/internal/handler/builtin"
	"jobsched/internal/scheduler"
	"jobsched/internal/settings"
	"jobsched/internal/storage"
	logx "jobsched/pkg/logx"
)

type env struct {
	store storage.Store
	svc   *scheduler.Service
	p     *Poller
	bus   eventbus.Bus
}

func newEnv(t *testing.T, workerID string) *env {
	t.Helper()
	ctx := context.Background()
	st, err := storage.Open(ctx, storage.Config{Driver: "sqlite", Path: ":memory:", AutoMigrate: true}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reg := handler.NewRegistry()
	require.NoError(t, builtin.Register(reg, logx.Nop()))
	bus := eventbus.New()
	svc, err := scheduler.New(scheduler.Deps{Store: st, Settings: settings.NewMemory(), Registry: reg, Bus: bus, WorkerID: workerID})
	require.NoError(t, err)
	require.NoError(t, svc.Init(ctx))

	return &env{store: st, svc: svc, bus: bus, p: New(Config{Interval: time.Hour}, svc, logx.Nop(), bus)}
}

func (e *env) start(t *testing.T) {
	t.Helper()
	require.NoError(t, e.p.Start(context.Background()))
	t.Cleanup(func() { _ = e.p.Stop(context.Background()) })
}

// settle waits for every submitted job to finish.
func (e *env) settle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		s := e.p.Status().Pool
		return s.Completed == s.Submitted && s.QueueLen == 0
	}, 5*time.Second, 5*time.Millisecond)
}

func (e *env) job(t *testing.T, name, ref string, next *time.Time) *storage.Job {
	t.Helper()
	j := &storage.Job{Name: name, Pattern: "*/5 * * * *", HandlerRef: ref, Enabled: true, NextExecutionAt: next}
	require.NoError(t, e.store.CreateJob(context.Background(), j))
	return j
}

func ptr(t time.Time) *time.Time { return &t }

func TestFailingTickLeavesJobRetryable(t *testing.T) {
	e := newEnv(t, "W1")
	e.start(t)
	due := time.Now().Add(-2 * time.Minute).Truncate(time.Millisecond)
	j := e.job(t, "broken", builtin.RefFail, &due)

	rep, err := e.p.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Claimed)
	e.settle(t)

	got, err := e.store.GetJob(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusScheduled, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Empty(t, got.LockOwner)
	require.NotNil(t, got.NextExecutionAt)
	assert.True(t, due.Equal(*got.NextExecutionAt))
	assert.NotNil(t, got.LastExecutedAt)

	// The retry delay has not elapsed, so the next tick leaves it alone.
	rep, err = e.p.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Claimed)
}

func TestTickRunsDueJobsAndPromotes(t *testing.T) {
	e := newEnv(t, "W1")
	e.start(t)
	events, unsub := e.bus.Subscribe(64)
	defer unsub()

	var ok []*storage.Job
	for i := 0; i < 5; i++ {
		ok = append(ok, e.job(t, "noop", builtin.RefNoop, ptr(time.Now().Add(-time.Minute))))
	}
	future := e.job(t, "later", builtin.RefNoop, ptr(time.Now().Add(time.Hour)))
	fresh := e.job(t, "fresh", builtin.RefNoop, nil)

	rep, err := e.p.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, rep.Claimed)
	assert.Equal(t, 1, rep.Promoted)
	e.settle(t)

	for _, j := range ok {
		got, err := e.store.GetJob(context.Background(), j.ID)
		require.NoError(t, err)
		assert.Equal(t, storage.StatusScheduled, got.Status)
		assert.True(t, got.NextExecutionAt.After(time.Now()))
		assert.Empty(t, got.LockOwner)
	}
	got, err := e.store.GetJob(context.Background(), future.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Attempts)

	got, err = e.store.GetJob(context.Background(), fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusScheduled, got.Status)
	require.NotNil(t, got.NextExecutionAt)
	assert.Equal(t, 0, got.NextExecutionAt.Local().Minute()%5)

	var sawTick bool
	for len(events) > 0 {
		if (<-events).Type == eventbus.TickCompleted {
			sawTick = true
		}
	}
	assert.True(t, sawTick)
}

func TestStartRecoversOwnLocksOnly(t *testing.T) {
	e := newEnv(t, "W1")
	ctx := context.Background()
	mine := e.job(t, "mine", builtin.RefNoop, ptr(time.Now().Add(-time.Minute)))
	theirs := e.job(t, "theirs", builtin.RefNoop, ptr(time.Now().Add(-time.Minute)))

	c1, err := e.store.ClaimNextDue(ctx, time.Minute, "W1")
	require.NoError(t, err)
	require.Equal(t, mine.ID, c1.ID)
	c2, err := e.store.ClaimNextDue(ctx, time.Minute, "W2")
	require.NoError(t, err)
	require.Equal(t, theirs.ID, c2.ID)

	e.start(t)

	got, err := e.store.GetJob(ctx, mine.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusScheduled, got.Status)
	assert.Empty(t, got.LockOwner)

	got, err = e.store.GetJob(ctx, theirs.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusExecuting, got.Status)
	assert.Equal(t, "W2", got.LockOwner)
}

type stubService struct {
	claims   []*storage.Job
	claimErr error
	promote  int
	block    chan struct{}
	entered  chan struct{}

	promoted atomic.Int32
	unlocked atomic.Int32
}

func (s *stubService) ExecuteJob(context.Context, *storage.Job) error   { return nil }
func (s *stubService) Reschedule(context.Context, string, string) error { return nil }
func (s *stubService) IncrementAttempts(context.Context, string) error  { return nil }
func (s *stubService) MaxAttempts() int                                 { return 3 }
func (s *stubService) ResetLocks(context.Context) (int64, error)        { return 0, nil }
func (s *stubService) Unlock(context.Context, string, storage.Status) error {
	s.unlocked.Add(1)
	return nil
}

func (s *stubService) ClaimNext(context.Context) (*storage.Job, error) {
	if s.block != nil {
		close(s.entered)
		<-s.block
		s.block = nil
	}
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	if len(s.claims) == 0 {
		return nil, nil
	}
	j := s.claims[0]
	s.claims = s.claims[1:]
	return j, nil
}

func (s *stubService) ScheduleNextUnscheduled(context.Context) (bool, error) {
	if int(s.promoted.Load()) >= s.promote {
		return false, nil
	}
	s.promoted.Add(1)
	return true, nil
}

func TestClaimErrorAbortsTick(t *testing.T) {
	svc := &stubService{claimErr: errors.New("db down"), promote: 3}
	p := New(Config{}, svc, logx.Nop(), nil)

	_, err := p.Tick(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
	assert.EqualValues(t, 0, svc.promoted.Load(), "promotion must not run after a failed claim")
	assert.Equal(t, "claim next job: db down", p.Status().LastErr)
}

func TestPromoteLoopsUntilNothingLeft(t *testing.T) {
	svc := &stubService{promote: 4}
	p := New(Config{}, svc, logx.Nop(), nil)

	rep, err := p.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Promoted)
	assert.Equal(t, 0, rep.Claimed)
}

func TestOverlappingTickIsSkipped(t *testing.T) {
	block := make(chan struct{})
	svc := &stubService{block: block, entered: make(chan struct{})}
	p := New(Config{}, svc, logx.Nop(), nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = p.Tick(context.Background())
	}()
	<-svc.entered

	rep, err := p.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Skipped)

	close(block)
	<-done
}

func TestSubmitFailureReleasesJob(t *testing.T) {
	svc := &stubService{claims: []*storage.Job{{ID: "a", Name: "a"}}}
	p := New(Config{}, svc, logx.Nop(), nil)

	// Pool never started: Submit fails and the claim is handed back.
	_, err := p.Tick(context.Background())
	require.Error(t, err)
	assert.EqualValues(t, 1, svc.unlocked.Load())
}

func TestStopWaitsForStartupTick(t *testing.T) {
	block := make(chan struct{})
	svc := &stubService{block: block, entered: make(chan struct{})}
	p := New(Config{Interval: time.Hour, RunOnStart: true}, svc, logx.Nop(), nil)
	require.NoError(t, p.Start(context.Background()))
	<-svc.entered

	stopped := make(chan error, 1)
	go func() { stopped <- p.Stop(context.Background()) }()

	select {
	case <-stopped:
		t.Fatal("Stop returned while the startup tick was still claiming")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after the startup tick finished")
	}
	assert.False(t, p.Status().LastRun.IsZero())
}
