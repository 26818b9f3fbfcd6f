package scheduler

import (
	"context"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"jobsched/internal/eventbus"
	"jobsched/internal/handler"
	"jobsched/internal/predictor"
	"jobsched/internal/settings"
	"jobsched/internal/storage"
	logx "jobsched/pkg/logx"
)

// Store is the slice of storage.Store the service drives.
type Store interface {
	ClaimNextDue(ctx context.Context, retryDelay time.Duration, workerID string) (*storage.Job, error)
	NextUnscheduled(ctx context.Context) (*storage.Job, error)
	ScheduleAt(ctx context.Context, id string, when time.Time) error
	SetStatus(ctx context.Context, id string, status storage.Status) error
	Unlock(ctx context.Context, id string, status storage.Status) error
	IncrementAttempts(ctx context.Context, id string) error
	ResetOrphanedLocks(ctx context.Context, workerID string, from, to storage.Status) (int64, error)
	GetParameters(ctx context.Context, jobID string) ([]storage.JobParameter, error)
}

// Resolver turns a handler reference into a runnable handler.
type Resolver interface {
	Resolve(ref string) (handler.Handler, error)
}

// Deps are the collaborators of a Service. Store, Settings and Registry are
// required; the rest have defaults.
type Deps struct {
	Store     Store
	Predictor predictor.Predictor
	Settings  settings.Provider
	Registry  Resolver
	Log       logx.Logger
	Bus       eventbus.Bus
	// WorkerID defaults to NewWorkerID(DefaultApp, "").
	WorkerID string
	// Now defaults to time.Now.
	Now func() time.Time
}

type Service struct {
	store    Store
	pred     predictor.Predictor
	settings settings.Provider
	registry Resolver
	log      logx.Logger
	bus      eventbus.Bus
	workerID string
	now      func() time.Time

	mu       sync.RWMutex
	tunables settings.Tunables
}

func New(d Deps) (*Service, error) {
	if d.Store == nil {
		return nil, errors.New("scheduler: store is required")
	}
	if d.Settings == nil {
		return nil, errors.New("scheduler: settings provider is required")
	}
	if d.Registry == nil {
		return nil, errors.New("scheduler: handler registry is required")
	}
	if d.Predictor == nil {
		d.Predictor = predictor.New()
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop()
	}
	if strings.TrimSpace(d.WorkerID) == "" {
		d.WorkerID = NewWorkerID(DefaultApp, "")
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Service{
		store:    d.Store,
		pred:     d.Predictor,
		settings: d.Settings,
		registry: d.Registry,
		log:      d.Log.With(logx.String("comp", "scheduler"), logx.String("worker_id", d.WorkerID)),
		bus:      d.Bus,
		workerID: d.WorkerID,
		now:      d.Now,
		tunables: settings.Tunables{
			RetryDelay:  settings.DefaultRetryDelayMillis * time.Millisecond,
			MaxAttempts: settings.DefaultMaxAttempts,
		},
	}, nil
}

// Init provisions and loads the retry delay and attempt limit.
func (s *Service) Init(ctx context.Context) error {
	t, err := settings.LoadTunables(ctx, s.settings)
	if err != nil {
		return errors.Wrap(err, "load scheduler tunables")
	}
	s.mu.Lock()
	s.tunables = t
	s.mu.Unlock()
	s.log.Info("scheduler initialized",
		logx.Duration("retry_delay", t.RetryDelay),
		logx.Int("max_attempts", t.MaxAttempts))
	return nil
}

func (s *Service) WorkerID() string { return s.workerID }

func (s *Service) RetryDelay() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tunables.RetryDelay
}

func (s *Service) MaxAttempts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tunables.MaxAttempts
}

// ClaimNext locks the oldest due job for this worker. It returns nil when
// nothing is due.
func (s *Service) ClaimNext(ctx context.Context) (*storage.Job, error) {
	job, err := s.store.ClaimNextDue(ctx, s.RetryDelay(), s.workerID)
	if err != nil || job == nil {
		return nil, err
	}
	s.log.Debug("job claimed", jobFields(job)...)
	s.publish(eventbus.JobClaimed, job, func(e *eventbus.Event) { e.Attempts = job.Attempts })
	return job, nil
}

// ScheduleNextUnscheduled promotes one UNSCHEDULED job. It reports whether
// another call may find more work; false means there was nothing to promote
// and no write happened. A job whose pattern cannot be evaluated is marked
// FAILED.
func (s *Service) ScheduleNextUnscheduled(ctx context.Context) (bool, error) {
	job, err := s.store.NextUnscheduled(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	when, perr := s.pred.NextMatch(job.Pattern, s.now())
	if perr != nil {
		s.log.Error("cannot schedule job, marking it failed", append(jobFields(job), logx.Err(perr))...)
		if err := s.store.SetStatus(ctx, job.ID, storage.StatusFailed); err != nil {
			return false, err
		}
		s.publish(eventbus.JobPromoteFailed, job, func(e *eventbus.Event) { e.Err = perr.Error() })
		return true, nil
	}
	if err := s.store.ScheduleAt(ctx, job.ID, when); err != nil {
		return false, err
	}
	s.log.Debug("job scheduled", append(jobFields(job), logx.Time("next_execution_at", when))...)
	s.publish(eventbus.JobPromoted, job, nil)
	return true, nil
}

// Reschedule moves the job to its next match after now. Pattern errors are
// returned as is; the caller decides the job's fate.
func (s *Service) Reschedule(ctx context.Context, id, pattern string) error {
	when, err := s.pred.NextMatch(pattern, s.now())
	if err != nil {
		return err
	}
	if err := s.store.ScheduleAt(ctx, id, when); err != nil {
		return err
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.JobRescheduled, Job: eventbus.JobRef{ID: id}})
	return nil
}

func (s *Service) Unlock(ctx context.Context, id string, status storage.Status) error {
	return s.store.Unlock(ctx, id, status)
}

func (s *Service) IncrementAttempts(ctx context.Context, id string) error {
	return s.store.IncrementAttempts(ctx, id)
}

// ResetLocks returns jobs this worker left EXECUTING (a previous crash of a
// process with the same worker id) to SCHEDULED. Locks held by other worker
// ids are not touched.
func (s *Service) ResetLocks(ctx context.Context) (int64, error) {
	n, err := s.store.ResetOrphanedLocks(ctx, s.workerID, storage.StatusExecuting, storage.StatusScheduled)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Warn("recovered orphaned job locks", logx.Int64("count", n))
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.LocksRecovered, Count: n})
	return n, nil
}

// ExecuteJob runs the job's handler. Every failure, including a panic, comes
// back as a *ExecutionError.
func (s *Service) ExecuteJob(ctx context.Context, job *storage.Job) (err error) {
	if job == nil {
		return errors.New("execute: job is nil")
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job handler panicked", append(jobFields(job),
				logx.Any("panic", r), logx.Stack(string(debug.Stack())))...)
			err = &ExecutionError{
				JobID:      job.ID,
				JobName:    job.Name,
				HandlerRef: job.HandlerRef,
				Panicked:   true,
				Err:        errors.WithDetailf(errors.Newf("%v", r), "Job ID: %s", job.ID),
			}
		}
	}()

	h, err := s.registry.Resolve(job.HandlerRef)
	if err != nil {
		return newExecutionError(job.ID, job.Name, job.HandlerRef, err)
	}
	params, err := s.store.GetParameters(ctx, job.ID)
	if err != nil {
		return newExecutionError(job.ID, job.Name, job.HandlerRef, err)
	}

	ec := handler.ExecutionContext{
		JobID:      job.ID,
		JobName:    job.Name,
		Parameters: make(map[string]string, len(params)),
	}
	if job.NextExecutionAt != nil {
		ec.ScheduledTime = *job.NextExecutionAt
	}
	for _, p := range params {
		ec.Parameters[p.Name] = p.Value
	}

	if err := h.Execute(ctx, ec); err != nil {
		return newExecutionError(job.ID, job.Name, job.HandlerRef, err)
	}
	return nil
}

func (s *Service) publish(typ string, job *storage.Job, fill func(*eventbus.Event)) {
	e := eventbus.Event{Type: typ, Job: JobRef(job)}
	if fill != nil {
		fill(&e)
	}
	s.bus.Publish(e)
}

// JobRef converts a job into its event identity.
func JobRef(job *storage.Job) eventbus.JobRef {
	if job == nil {
		return eventbus.JobRef{}
	}
	return eventbus.JobRef{ID: job.ID, Name: job.Name, HandlerRef: job.HandlerRef}
}

func jobFields(job *storage.Job) []logx.Field {
	return []logx.Field{logx.String("job_id", job.ID), logx.String("job", job.Name)}
}
