package poller

import (
	"fmt"

	"github.com/robfig/cron/v3"

	logx "jobsched/pkg/logx"
)

// cronLogger lets robfig/cron job wrappers log through logx.
type cronLogger struct{ log logx.Logger }

var _ cron.Logger = cronLogger{}

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, (len(kv)+1)/2)
	for i := 0; i < len(kv); i += 2 {
		key := fmt.Sprint(kv[i])
		if i+1 >= len(kv) {
			out = append(out, logx.String(key, ""))
			break
		}
		out = append(out, logx.Any(key, kv[i+1]))
	}
	return out
}
