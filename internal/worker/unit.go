// Package worker runs one claimed job and settles its row afterwards.
package worker

import (
	"context"
	"time"

	"jobsched/internal/eventbus"
	"jobsched/internal/predictor"
	"jobsched/internal/scheduler"
	"jobsched/internal/storage"
	logx "jobsched/pkg/logx"
)

// Service is the part of scheduler.Service an execution needs.
type Service interface {
	ExecuteJob(ctx context.Context, job *storage.Job) error
	Reschedule(ctx context.Context, id, pattern string) error
	Unlock(ctx context.Context, id string, status storage.Status) error
	IncrementAttempts(ctx context.Context, id string) error
	MaxAttempts() int
}

// Outcome is how a run ended, for callers and tests.
type Outcome int

const (
	// Succeeded: handler ran and the job was unlocked SCHEDULED.
	Succeeded Outcome = iota
	// Unschedulable: handler ran but the pattern has no next match; FAILED.
	Unschedulable
	// Retrying: handler failed below the attempt limit; SCHEDULED.
	Retrying
	// Escalated: handler failed at the attempt limit; FAILED.
	Escalated
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Unschedulable:
		return "unschedulable"
	case Retrying:
		return "retrying"
	case Escalated:
		return "escalated"
	}
	return "unknown"
}

type Unit struct {
	svc Service
	log logx.Logger
	bus eventbus.Bus
}

func NewUnit(svc Service, log logx.Logger, bus eventbus.Bus) *Unit {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Unit{svc: svc, log: log.With(logx.String("comp", "worker")), bus: bus}
}

// Run executes job and moves it to its next state. Bookkeeping failures are
// logged and swallowed; a job whose unlock fails stays EXECUTING until this
// worker id recovers its locks.
func (u *Unit) Run(ctx context.Context, job *storage.Job) Outcome {
	log := u.log.With(logx.String("job_id", job.ID), logx.String("job", job.Name))
	start := time.Now()

	execErr := u.svc.ExecuteJob(ctx, job)
	if execErr == nil {
		return u.succeeded(ctx, log, job, time.Since(start))
	}
	return u.failed(ctx, log, job, execErr)
}

func (u *Unit) succeeded(ctx context.Context, log logx.Logger, job *storage.Job, took time.Duration) Outcome {
	if err := u.svc.Reschedule(ctx, job.ID, job.Pattern); err != nil {
		if !predictor.IsPatternError(err) {
			// next_execution_at is untouched, so the job runs again once due.
			log.Error("job ran but rescheduling failed, releasing it for a rerun", logx.Err(err))
			u.unlock(ctx, log, job.ID, storage.StatusScheduled)
			u.publish(eventbus.JobSucceeded, job, 0, nil)
			return Succeeded
		}
		log.Error("job ran but cannot be rescheduled, marking it failed", logx.Err(err))
		u.unlock(ctx, log, job.ID, storage.StatusFailed)
		u.publish(eventbus.JobEscalated, job, 0, err)
		return Unschedulable
	}
	log.Info("job executed", logx.Duration("took", took))
	u.unlock(ctx, log, job.ID, storage.StatusScheduled)
	u.publish(eventbus.JobSucceeded, job, 0, nil)
	return Succeeded
}

func (u *Unit) failed(ctx context.Context, log logx.Logger, job *storage.Job, execErr error) Outcome {
	if err := u.svc.IncrementAttempts(ctx, job.ID); err != nil {
		log.Error("cannot record failed execution attempt", logx.Err(err))
	}
	attempts := job.Attempts + 1
	limit := u.svc.MaxAttempts()

	fields := []logx.Field{logx.Err(execErr), logx.Int("attempts", attempts), logx.Int("max_attempts", limit)}
	if ee, ok := scheduler.AsExecutionError(execErr); ok && ee.Panicked {
		fields = append(fields, logx.Bool("panicked", true))
	}

	if attempts >= limit {
		log.Error("job failed permanently", fields...)
		u.unlock(ctx, log, job.ID, storage.StatusFailed)
		u.publish(eventbus.JobEscalated, job, attempts, execErr)
		return Escalated
	}
	log.Warn("job execution failed, will retry", fields...)
	u.unlock(ctx, log, job.ID, storage.StatusScheduled)
	u.publish(eventbus.JobFailed, job, attempts, execErr)
	return Retrying
}

func (u *Unit) unlock(ctx context.Context, log logx.Logger, id string, status storage.Status) {
	if err := u.svc.Unlock(ctx, id, status); err != nil {
		log.Error("cannot unlock job", logx.String("status", status.String()), logx.Err(err))
	}
}

func (u *Unit) publish(typ string, job *storage.Job, attempts int, err error) {
	e := eventbus.Event{Type: typ, Job: scheduler.JobRef(job), Attempts: attempts}
	if err != nil {
		e.Err = err.Error()
	}
	u.bus.Publish(e)
}
