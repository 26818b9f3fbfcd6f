package scheduler

import (
	"github.com/cockroachdb/errors"
)

// ExecutionError is the single error ExecuteJob returns for any handler
// failure: unknown reference, parameter load error, handler error or panic.
type ExecutionError struct {
	JobID      string
	JobName    string
	HandlerRef string
	// Panicked is set when the handler panicked; Err then holds the value.
	Panicked bool
	Err      error
}

func (e *ExecutionError) Error() string {
	what := "failed"
	if e.Panicked {
		what = "panicked"
	}
	return "job " + e.JobName + " (" + e.JobID + ") " + what + ": " + e.Err.Error()
}

func (e *ExecutionError) Unwrap() error { return e.Err }

func newExecutionError(id, name, ref string, err error) error {
	err = errors.WithDetailf(err, "Job ID: %s", id)
	return &ExecutionError{JobID: id, JobName: name, HandlerRef: ref, Err: err}
}

// AsExecutionError extracts the *ExecutionError from err.
func AsExecutionError(err error) (*ExecutionError, bool) {
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}
