package eventbus

// Job lifecycle event types.
const (
	JobClaimed       = "job.claimed"
	JobPromoted      = "job.promoted"
	JobPromoteFailed = "job.promote_failed"
	JobRescheduled   = "job.rescheduled"
	JobSucceeded     = "job.succeeded"
	JobFailed        = "job.failed"
	JobEscalated     = "job.escalated"
	LocksRecovered   = "scheduler.locks_recovered"
	TickCompleted    = "scheduler.tick"
)

// JobRef identifies the job an event is about.
type JobRef struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	HandlerRef string `json:"handler,omitempty"`
}

// Types lists every event type in publication order of a job's life.
func Types() []string {
	return []string{
		JobPromoted, JobPromoteFailed, JobClaimed, JobSucceeded, JobRescheduled,
		JobFailed, JobEscalated, LocksRecovered, TickCompleted,
	}
}
