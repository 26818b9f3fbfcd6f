// Package builtin provides the handlers every jobsched binary ships with.
package builtin

import (
	"context"
	"sort"

	"github.com/cockroachdb/errors"

	"jobsched/internal/handler"
	logx "jobsched/pkg/logx"
)

const (
	RefNoop = "noop"
	RefLog  = "log"
	RefFail = "fail"
)

// Register adds the builtin handlers to r.
func Register(r *handler.Registry, log logx.Logger) error {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "handler.builtin"))

	if err := r.Register(RefNoop, handler.Singleton(handler.HandlerFunc(noop))); err != nil {
		return err
	}
	if err := r.Register(RefLog, func() (handler.Handler, error) { return logHandler{log: log}, nil }); err != nil {
		return err
	}
	return r.Register(RefFail, handler.Singleton(handler.HandlerFunc(fail)))
}

func noop(ctx context.Context, _ handler.ExecutionContext) error { return ctx.Err() }

// fail always errors. The "message" parameter overrides the error text.
func fail(_ context.Context, ec handler.ExecutionContext) error {
	return errors.Newf("%s", ec.Param("message", "job configured to fail"))
}

type logHandler struct {
	log logx.Logger
}

// Execute writes one line per execution with the job's parameters.
func (h logHandler) Execute(_ context.Context, ec handler.ExecutionContext) error {
	keys := make([]string, 0, len(ec.Parameters))
	for k := range ec.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := []logx.Field{
		logx.String("job_id", ec.JobID),
		logx.String("job", ec.JobName),
		logx.Time("scheduled_time", ec.ScheduledTime),
	}
	for _, k := range keys {
		fields = append(fields, logx.String("param."+k, ec.Parameters[k]))
	}
	level := ec.Param("level", "info")
	msg := ec.Param("message", "job executed")
	switch level {
	case "debug":
		h.log.Debug(msg, fields...)
	case "warn":
		h.log.Warn(msg, fields...)
	default:
		h.log.Info(msg, fields...)
	}
	return nil
}
