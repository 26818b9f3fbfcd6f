package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "jobsched/pkg/logx"
)

func startPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	p := New(cfg, logx.Nop())
	p.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Stop(ctx)
	})
	return p
}

func TestDefaults(t *testing.T) {
	cfg := New(Config{}, logx.Nop()).Config()
	assert.Equal(t, 1, cfg.MinWorkers)
	assert.Equal(t, 10, cfg.MaxWorkers)
	assert.Equal(t, 5*time.Minute, cfg.IdleTimeout)
	assert.Equal(t, 100, cfg.QueueSize)
}

func TestSubmitRunsTasks(t *testing.T) {
	p := startPool(t, Config{})
	var wg sync.WaitGroup
	var ran atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(context.Background(), Task{Name: "t", Run: func(context.Context) error {
			defer wg.Done()
			ran.Add(1)
			return nil
		}}))
	}
	wg.Wait()
	assert.EqualValues(t, 20, ran.Load())
	assert.Eventually(t, func() bool { return p.Snapshot().Completed == 20 }, time.Second, 5*time.Millisecond)
}

func TestGrowsToMaxAndShrinksWhenIdle(t *testing.T) {
	p := startPool(t, Config{MinWorkers: 1, MaxWorkers: 3, IdleTimeout: 50 * time.Millisecond, QueueSize: 10})
	release := make(chan struct{})
	var running atomic.Int32
	for i := 0; i < 6; i++ {
		require.NoError(t, p.Submit(context.Background(), Task{Name: "block", Run: func(context.Context) error {
			running.Add(1)
			<-release
			return nil
		}}))
	}

	assert.Eventually(t, func() bool { return running.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	snap := p.Snapshot()
	assert.Equal(t, 3, snap.Workers)
	assert.Equal(t, 3, snap.QueueLen)

	close(release)
	assert.Eventually(t, func() bool { return p.Snapshot().Completed == 6 }, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return p.Snapshot().Workers == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestSubmitBlocksWhenQueueFull(t *testing.T) {
	p := startPool(t, Config{MinWorkers: 1, MaxWorkers: 1, QueueSize: 1})
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	require.NoError(t, p.Submit(context.Background(), Task{Name: "busy", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started
	require.NoError(t, p.Submit(context.Background(), Task{Name: "queued", Run: func(context.Context) error { return nil }}))

	assert.ErrorIs(t, p.TrySubmit(Task{Name: "x", Run: func(context.Context) error { return nil }}), ErrQueueFull)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := p.Submit(ctx, Task{Name: "x", Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBlockedSubmitProceedsWhenSpaceFrees(t *testing.T) {
	p := startPool(t, Config{MinWorkers: 1, MaxWorkers: 1, QueueSize: 1})
	started := make(chan struct{})
	release := make(chan struct{})

	require.NoError(t, p.Submit(context.Background(), Task{Name: "busy", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started
	require.NoError(t, p.Submit(context.Background(), Task{Name: "queued", Run: func(context.Context) error { return nil }}))

	done := make(chan error, 1)
	go func() {
		done <- p.Submit(context.Background(), Task{Name: "late", Run: func(context.Context) error { return nil }})
	}()
	select {
	case <-done:
		t.Fatal("submit returned while queue was full")
	case <-time.After(30 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-done)
}

func TestPanicIsRecovered(t *testing.T) {
	p := startPool(t, Config{MinWorkers: 1, MaxWorkers: 1})
	require.NoError(t, p.Submit(context.Background(), Task{Name: "panic", Run: func(context.Context) error { panic("boom") }}))
	require.NoError(t, p.Submit(context.Background(), Task{Name: "err", Run: func(context.Context) error { return errors.New("nope") }}))

	done := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), Task{Name: "after", Run: func(context.Context) error {
		close(done)
		return nil
	}}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive the panic")
	}
	assert.Eventually(t, func() bool {
		s := p.Snapshot()
		return s.Panics == 1 && s.Failed == 2 && s.Completed == 3
	}, time.Second, 5*time.Millisecond)
}

func TestLifecycleErrors(t *testing.T) {
	p := New(Config{}, logx.Nop())
	noop := Task{Name: "n", Run: func(context.Context) error { return nil }}
	assert.ErrorIs(t, p.Submit(context.Background(), noop), ErrStopped)
	assert.Error(t, p.TrySubmit(Task{Name: "nil"}))

	p.Start(context.Background())
	p.Start(context.Background())
	require.NoError(t, p.Stop(context.Background()))
	assert.ErrorIs(t, p.Submit(context.Background(), noop), ErrStopped)
	assert.False(t, p.Snapshot().Running)
}

func TestStopDrainsQueuedTasks(t *testing.T) {
	p := New(Config{MinWorkers: 1, MaxWorkers: 1, QueueSize: 10}, logx.Nop())
	p.Start(context.Background())

	started := make(chan struct{})
	release := make(chan struct{})
	var ran atomic.Int32
	require.NoError(t, p.Submit(context.Background(), Task{Name: "first", Run: func(context.Context) error {
		close(started)
		<-release
		ran.Add(1)
		return nil
	}}))
	<-started
	for i := 0; i < 4; i++ {
		require.NoError(t, p.Submit(context.Background(), Task{Name: "queued", Run: func(context.Context) error {
			ran.Add(1)
			return nil
		}}))
	}

	stopped := make(chan error, 1)
	go func() { stopped <- p.Stop(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	close(release)
	require.NoError(t, <-stopped)
	assert.EqualValues(t, 5, ran.Load())
}
