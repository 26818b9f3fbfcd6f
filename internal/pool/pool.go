// Package pool is a bounded, elastic worker pool.
//
// A fixed number of core workers always run. Extra workers, up to the
// maximum, are started when queued work outnumbers idle workers; they
// exit after sitting idle for IdleTimeout. Submit blocks while the queue is
// full so producers feel backpressure instead of losing work.
package pool

import (
	"context"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	rtsup "jobsched/internal/runtime/supervisor"
	logx "jobsched/pkg/logx"
)

var (
	ErrStopped   = errors.New("worker pool stopped")
	ErrStopping  = errors.New("worker pool stopping")
	ErrQueueFull = errors.New("worker pool queue full")
)

const (
	DefaultMinWorkers  = 1
	DefaultMaxWorkers  = 10
	DefaultIdleTimeout = 5 * time.Minute
	DefaultQueueSize   = 100

	warnThrottleEvery = 5 * time.Second
)

type Config struct {
	MinWorkers  int
	MaxWorkers  int
	IdleTimeout time.Duration
	QueueSize   int
}

func (c Config) withDefaults() Config {
	if c.MinWorkers <= 0 {
		c.MinWorkers = DefaultMinWorkers
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = DefaultMaxWorkers
	}
	if c.MaxWorkers < c.MinWorkers {
		c.MaxWorkers = c.MinWorkers
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	return c
}

// Task is a unit of work. Name is used for logging only.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	Running    bool
	MinWorkers int
	MaxWorkers int
	Workers    int
	Idle       int
	QueueLen   int
	QueueCap   int
	Submitted  uint64
	Completed  uint64
	Failed     uint64
	Panics     uint64
}

type Pool struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	q        chan queuedTask
	stopCh   chan struct{}
	stopping bool
	sup      *rtsup.Supervisor
	workers  int
	seq      int

	idle      atomic.Int32
	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	panics    atomic.Uint64

	fullWarn rate.Sometimes
}

func New(cfg Config, log logx.Logger) *Pool {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{
		cfg:      cfg.withDefaults(),
		log:      log.With(logx.String("comp", "pool")),
		fullWarn: rate.Sometimes{Interval: warnThrottleEvery},
	}
}

func (p *Pool) Config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// Start launches the core workers. It is idempotent.
func (p *Pool) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.q != nil {
		return
	}
	p.q = make(chan queuedTask, p.cfg.QueueSize)
	p.stopCh = make(chan struct{})
	p.stopping = false
	p.sup = rtsup.New(ctx, rtsup.WithLogger(p.log))
	for i := 0; i < p.cfg.MinWorkers; i++ {
		p.spawnLocked()
	}
	p.log.Info("worker pool started",
		logx.Int("min_workers", p.cfg.MinWorkers),
		logx.Int("max_workers", p.cfg.MaxWorkers),
		logx.Duration("idle_timeout", p.cfg.IdleTimeout),
		logx.Int("queue", p.cfg.QueueSize))
}

// Stop stops accepting work, lets the workers drain the queue and waits for
// them. If ctx ends first, running tasks see their context canceled.
func (p *Pool) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.q == nil || p.stopping {
		p.mu.Unlock()
		return nil
	}
	p.stopping = true
	close(p.stopCh)
	sup := p.sup
	q := p.q
	p.mu.Unlock()

	start := time.Now()
	err := sup.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		p.log.Warn("worker pool stop timed out, canceling running tasks", logx.Err(err))
		sup.Cancel()
		_ = sup.Wait(context.Background())
	}

	// A Submit racing with Stop may have slipped a task in after the drain.
	for drained := false; !drained; {
		select {
		case qt := <-q:
			p.log.Warn("task dropped at shutdown", logx.String("task", qt.task.Name))
		default:
			drained = true
		}
	}

	p.mu.Lock()
	p.q = nil
	p.stopCh = nil
	p.sup = nil
	p.workers = 0
	p.mu.Unlock()
	p.log.Info("worker pool stopped", logx.Duration("took", time.Since(start)))
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// Submit queues t, blocking while the queue is full.
func (p *Pool) Submit(ctx context.Context, t Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return p.enqueue(ctx, t, true)
}

// TrySubmit queues t or returns ErrQueueFull without blocking.
func (p *Pool) TrySubmit(t Task) error {
	return p.enqueue(context.Background(), t, false)
}

func (p *Pool) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)

	p.mu.Lock()
	q, stopCh, stopping := p.q, p.stopCh, p.stopping
	p.mu.Unlock()
	if q == nil {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}

	qt := queuedTask{task: t, enqueuedAt: time.Now()}
	select {
	case q <- qt:
		p.accepted()
		return nil
	default:
	}
	if !block {
		return ErrQueueFull
	}

	p.fullWarn.Do(func() {
		p.log.Warn("worker pool queue full, submit is blocking",
			logx.String("task", t.Name), logx.Int("queue_cap", cap(q)), logx.Int("workers", p.Snapshot().Workers))
	})
	select {
	case q <- qt:
		p.accepted()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-stopCh:
		return ErrStopping
	}
}

func (p *Pool) accepted() {
	p.submitted.Add(1)
	p.maybeGrow()
}

// maybeGrow starts an extra worker when queued work outnumbers idle workers.
func (p *Pool) maybeGrow() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.q == nil || p.stopping || p.workers >= p.cfg.MaxWorkers {
		return
	}
	if len(p.q) <= int(p.idle.Load()) {
		return
	}
	p.spawnLocked()
}

func (p *Pool) spawnLocked() {
	p.workers++
	p.seq++
	name := "worker." + strconv.Itoa(p.seq)
	q, stopCh, idle := p.q, p.stopCh, p.cfg.IdleTimeout
	p.sup.Go(name, func(ctx context.Context) error {
		p.worker(ctx, q, stopCh, idle)
		return nil
	})
}

// retire reports whether an idle worker may exit without dropping below
// the core size.
func (p *Pool) retire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.workers <= p.cfg.MinWorkers {
		return false
	}
	p.workers--
	return true
}

func (p *Pool) worker(ctx context.Context, q <-chan queuedTask, stopCh <-chan struct{}, idleTimeout time.Duration) {
	timer := time.NewTimer(idleTimeout)
	defer timer.Stop()
	for {
		p.idle.Add(1)
		select {
		case qt := <-q:
			p.idle.Add(-1)
			p.run(ctx, qt)
		case <-stopCh:
			p.idle.Add(-1)
			p.drain(ctx, q)
			return
		case <-ctx.Done():
			p.idle.Add(-1)
			return
		case <-timer.C:
			p.idle.Add(-1)
			if p.retire() {
				p.log.Debug("idle worker retired")
				return
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(idleTimeout)
	}
}

func (p *Pool) drain(ctx context.Context, q <-chan queuedTask) {
	for {
		select {
		case qt := <-q:
			p.run(ctx, qt)
		default:
			return
		}
	}
}

func (p *Pool) run(ctx context.Context, qt queuedTask) {
	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				p.panics.Add(1)
				p.log.Error("task panicked", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				err = errors.Newf("panic: %v", r)
			}
		}()
		return qt.task.Run(ctx)
	}()
	p.completed.Add(1)
	if err != nil {
		p.failed.Add(1)
		p.log.Warn("task failed", logx.String("task", qt.task.Name), logx.Err(err))
		return
	}
	p.log.Trace("task completed",
		logx.String("task", qt.task.Name),
		logx.Duration("queue_delay", start.Sub(qt.enqueuedAt)),
		logx.Duration("dur", time.Since(start)))
}

func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	cfg, q, workers, running := p.cfg, p.q, p.workers, p.q != nil && !p.stopping
	p.mu.Unlock()
	snap := Snapshot{
		Running:    running,
		MinWorkers: cfg.MinWorkers,
		MaxWorkers: cfg.MaxWorkers,
		Workers:    workers,
		Idle:       int(p.idle.Load()),
		Submitted:  p.submitted.Load(),
		Completed:  p.completed.Load(),
		Failed:     p.failed.Load(),
		Panics:     p.panics.Load(),
	}
	if q != nil {
		snap.QueueLen = len(q)
		snap.QueueCap = cap(q)
	}
	return snap
}
