// Package poller drives the scheduler on a fixed tick: it claims every due
// job into the worker pool and then promotes unscheduled jobs.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	"jobsched/internal/eventbus"
	"jobsched/internal/pool"
	"jobsched/internal/storage"
	"jobsched/internal/worker"
	logx "jobsched/pkg/logx"
)

const DefaultInterval = time.Minute

// Service is what a tick needs from scheduler.Service.
type Service interface {
	worker.Service
	ClaimNext(ctx context.Context) (*storage.Job, error)
	ScheduleNextUnscheduled(ctx context.Context) (bool, error)
	ResetLocks(ctx context.Context) (int64, error)
}

type Config struct {
	// Interval between ticks. Defaults to one minute.
	Interval time.Duration
	// RunOnStart fires one tick right after Start instead of waiting a full
	// interval.
	RunOnStart bool
	Pool       pool.Config
}

// TickReport summarizes one tick.
type TickReport struct {
	Claimed  int
	Promoted int
	Skipped  bool
	Took     time.Duration
}

type Poller struct {
	cfg  Config
	svc  Service
	unit *worker.Unit
	pool *pool.Pool
	log  logx.Logger
	bus  eventbus.Bus

	tickMu sync.Mutex

	// startTick tracks the run-on-start tick, which the cron stop does not cover.
	startTick sync.WaitGroup

	mu      sync.Mutex
	c       *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	lastRun time.Time
	lastErr error
}

func New(cfg Config, svc Service, log logx.Logger, bus eventbus.Bus) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Poller{
		cfg:  cfg,
		svc:  svc,
		unit: worker.NewUnit(svc, log, bus),
		pool: pool.New(cfg.Pool, log),
		log:  log.With(logx.String("comp", "poller")),
		bus:  bus,
	}
}

// Start recovers this worker's orphaned locks, starts the pool and arms the
// tick. A failed lock recovery aborts startup.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.c != nil {
		return nil
	}

	if _, err := p.svc.ResetLocks(ctx); err != nil {
		return errors.Wrap(err, "recover orphaned locks")
	}

	p.ctx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))
	p.pool.Start(p.ctx)

	cl := cronLogger{log: p.log}
	p.c = cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	tickCtx := p.ctx
	p.c.Schedule(cron.Every(p.cfg.Interval), cron.FuncJob(func() {
		_, _ = p.Tick(tickCtx)
	}))
	p.c.Start()

	if p.cfg.RunOnStart {
		p.startTick.Add(1)
		go func() {
			defer p.startTick.Done()
			_, _ = p.Tick(tickCtx)
		}()
	}
	p.log.Info("poller started", logx.Duration("interval", p.cfg.Interval), logx.Bool("run_on_start", p.cfg.RunOnStart))
	return nil
}

// Stop disarms the tick, waits for a running tick and lets the pool finish
// the jobs it already holds.
func (p *Poller) Stop(ctx context.Context) error {
	start := time.Now()
	p.mu.Lock()
	c, cancel := p.c, p.cancel
	p.c = nil
	p.mu.Unlock()
	if c == nil {
		return nil
	}

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	startDone := make(chan struct{})
	go func() {
		p.startTick.Wait()
		close(startDone)
	}()
	select {
	case <-startDone:
	case <-ctx.Done():
	}
	err := p.pool.Stop(ctx)
	cancel()
	p.log.Info("poller stopped", logx.Duration("took", time.Since(start)))
	return err
}

// Tick runs one polling cycle. Overlapping calls return immediately with
// Skipped set. A store error aborts the rest of the cycle.
func (p *Poller) Tick(ctx context.Context) (TickReport, error) {
	if !p.tickMu.TryLock() {
		p.log.Debug("previous tick still running, skipping")
		return TickReport{Skipped: true}, nil
	}
	defer p.tickMu.Unlock()

	start := time.Now()
	var rep TickReport
	err := p.drain(ctx, &rep)
	if err == nil {
		err = p.promote(ctx, &rep)
	}
	rep.Took = time.Since(start)

	p.mu.Lock()
	p.lastRun, p.lastErr = start, err
	p.mu.Unlock()

	ev := eventbus.Event{Type: eventbus.TickCompleted, Count: int64(rep.Claimed)}
	if err != nil {
		ev.Err = err.Error()
		p.log.Error("tick aborted", logx.Err(err), logx.Int("claimed", rep.Claimed), logx.Int("promoted", rep.Promoted))
	} else if rep.Claimed > 0 || rep.Promoted > 0 {
		p.log.Debug("tick done", logx.Int("claimed", rep.Claimed), logx.Int("promoted", rep.Promoted), logx.Duration("took", rep.Took))
	}
	p.bus.Publish(ev)
	return rep, err
}

func (p *Poller) drain(ctx context.Context, rep *TickReport) error {
	for ctx.Err() == nil {
		job, err := p.svc.ClaimNext(ctx)
		if err != nil {
			return errors.Wrap(err, "claim next job")
		}
		if job == nil {
			return nil
		}
		rep.Claimed++
		task := pool.Task{Name: "job:" + job.Name, Run: func(ctx context.Context) error {
			p.unit.Run(ctx, job)
			return nil
		}}
		if err := p.pool.Submit(ctx, task); err != nil {
			// The job is ours but will not run; hand it back.
			if uerr := p.svc.Unlock(context.WithoutCancel(ctx), job.ID, storage.StatusScheduled); uerr != nil {
				p.log.Error("cannot release job after failed submit", logx.String("job_id", job.ID), logx.Err(uerr))
			}
			return errors.Wrap(err, "submit job")
		}
	}
	return ctx.Err()
}

func (p *Poller) promote(ctx context.Context, rep *TickReport) error {
	for ctx.Err() == nil {
		more, err := p.svc.ScheduleNextUnscheduled(ctx)
		if err != nil {
			return errors.Wrap(err, "schedule unscheduled job")
		}
		if !more {
			return nil
		}
		rep.Promoted++
	}
	return ctx.Err()
}

// Status is a point-in-time view for health endpoints and metrics.
type Status struct {
	Running bool
	LastRun time.Time
	LastErr string
	Pool    pool.Snapshot
}

func (p *Poller) Status() Status {
	p.mu.Lock()
	st := Status{Running: p.c != nil, LastRun: p.lastRun}
	if p.lastErr != nil {
		st.LastErr = p.lastErr.Error()
	}
	p.mu.Unlock()
	st.Pool = p.pool.Snapshot()
	return st
}
