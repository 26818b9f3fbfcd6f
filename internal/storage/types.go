package storage

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	ErrNotFound       = errors.New("job not found")
	ErrNoRowsAffected = errors.New("no rows affected")
	ErrInvalidJob     = errors.New("invalid job")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL reachable via DSN
type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only; 0 means pgxpool default
	AutoMigrate  bool
}

// Status is the persisted lifecycle state of a job.
type Status string

const (
	StatusUnscheduled Status = "UNSCHEDULED"
	StatusScheduled   Status = "SCHEDULED"
	StatusExecuting   Status = "EXECUTING"
	StatusExecuted    Status = "EXECUTED"
	StatusAborted     Status = "ABORTED"
	StatusFailed      Status = "FAILED"
)

func (s Status) String() string { return string(s) }

// ParseStatus accepts a status name in any case.
func ParseStatus(raw string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(raw)))
	switch st {
	case StatusUnscheduled, StatusScheduled, StatusExecuting, StatusExecuted, StatusAborted, StatusFailed:
		return st, nil
	}
	return "", errors.Newf("unknown job status %q", raw)
}

// Job is a recurring unit of work.
//
// LockOwner is empty unless Status is EXECUTING. NextExecutionAt is nil
// exactly when Status is UNSCHEDULED.
type Job struct {
	ID              string
	Name            string
	Pattern         string
	HandlerRef      string
	Enabled         bool
	Status          Status
	Attempts        int
	LockOwner       string
	LastExecutedAt  *time.Time
	NextExecutionAt *time.Time
	UpdatedAt       time.Time
}

// JobParameter is a name/value pair handed to the job's handler.
type JobParameter struct {
	ID    int64
	JobID string
	Name  string
	Value string
}

func (j *Job) validate() error {
	if j == nil {
		return errors.Wrap(ErrInvalidJob, "job is nil")
	}
	if strings.TrimSpace(j.Name) == "" {
		return errors.Wrap(ErrInvalidJob, "name is required")
	}
	if strings.TrimSpace(j.Pattern) == "" {
		return errors.Wrap(ErrInvalidJob, "scheduling pattern is required")
	}
	if strings.TrimSpace(j.HandlerRef) == "" {
		return errors.Wrap(ErrInvalidJob, "handler reference is required")
	}
	return nil
}
