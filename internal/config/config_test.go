package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "jobsched/pkg/logx"
)

const yamlConfig = `
logging:
  level: debug
  console: true
storage:
  driver: postgres
  dsn: postgres://sched@localhost/sched
  max_open_conns: 8
scheduler:
  worker_id: sched-a
  poll_interval: 30s
  run_on_start: true
pool:
  min_workers: 2
  max_workers: 6
  idle_timeout: 1m
  queue_size: 50
http:
  enabled: true
  addr: ":9180"
events:
  enabled: true
  url: nats://localhost:4222
  types: [job.escalated]
`

func TestDecodeYAML(t *testing.T) {
	cfg, err := Decode("jobsched.yaml", []byte(yamlConfig))
	require.NoError(t, err)

	st, err := cfg.StorageOptions()
	require.NoError(t, err)
	assert.Equal(t, "postgres", st.Driver)
	assert.Equal(t, 8, st.MaxOpenConns)
	assert.True(t, st.AutoMigrate)

	pc, err := cfg.PollerOptions()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, pc.Interval)
	assert.True(t, pc.RunOnStart)
	assert.Equal(t, 2, pc.Pool.MinWorkers)
	assert.Equal(t, 6, pc.Pool.MaxWorkers)
	assert.Equal(t, time.Minute, pc.Pool.IdleTimeout)
	assert.Equal(t, 50, pc.Pool.QueueSize)

	assert.Equal(t, ":9180", cfg.HTTPAddr())
	ev := cfg.EventsOptions("sched-a")
	assert.Equal(t, []string{"job.escalated"}, ev.Types)
	assert.Equal(t, "sched-a", ev.WorkerID)
}

func TestDecodeJSONDefaults(t *testing.T) {
	cfg, err := Decode("jobsched.json", []byte(`{"storage":{"driver":"sqlite","auto_migrate":false}}`))
	require.NoError(t, err)

	st, err := cfg.StorageOptions()
	require.NoError(t, err)
	assert.Equal(t, DefaultSQLitePath, st.Path)
	assert.False(t, st.AutoMigrate)

	pc, err := cfg.PollerOptions()
	require.NoError(t, err)
	assert.Equal(t, time.Minute, pc.Interval)

	d, err := cfg.ShutdownTimeout()
	require.NoError(t, err)
	assert.Equal(t, DefaultShutdownTimeout, d)
	assert.Equal(t, DefaultHTTPAddr, cfg.HTTPAddr())
}

func TestDecodeRejects(t *testing.T) {
	cases := map[string]string{
		"unknown field":      `{"storage":{"driver":"sqlite"},"smtp":{}}`,
		"trailing data":      `{"storage":{"driver":"sqlite"}} {}`,
		"bad level":          `{"logging":{"level":"loud"}}`,
		"unknown driver":     `{"storage":{"driver":"mysql"}}`,
		"postgres needs dsn": `{"storage":{"driver":"postgres"}}`,
		"bad interval":       `{"scheduler":{"poll_interval":"soon"}}`,
		"interval too short": `{"scheduler":{"poll_interval":"10ms"}}`,
		"pool bounds":        `{"pool":{"min_workers":5,"max_workers":2}}`,
		"events need url":    `{"events":{"enabled":true}}`,
		"bad http addr":      `{"http":{"enabled":true,"addr":"nope"}}`,
		"open pprof":         `{"http":{"enabled":true,"addr":":9180","debug":{"enabled":true}}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode("c.json", []byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestDebugOptions(t *testing.T) {
	cfg, err := Decode("c.json", []byte(`{"http":{"enabled":true,"addr":":9180","debug":{"enabled":true,"token":" t0k "}}}`))
	require.NoError(t, err)
	d := cfg.DebugOptions()
	assert.True(t, d.Enabled)
	assert.Equal(t, "t0k", d.Token)

	_, err = Decode("c.json", []byte(`{"http":{"enabled":true,"debug":{"enabled":true}}}`))
	assert.NoError(t, err, "loopback default addr needs no token")
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestSummarizeChange(t *testing.T) {
	a := Default()
	b := Default()
	b.Logging.Level = "debug"
	b.Pool.MaxWorkers = 4

	changed, restart := SummarizeChange(a, b)
	assert.Equal(t, []string{"logging", "pool"}, changed)
	assert.Equal(t, []string{"pool"}, restart)

	changed, restart = SummarizeChange(a, a)
	assert.Empty(t, changed)
	assert.Empty(t, restart)
}

func TestWatchPublishesChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobsched.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"info"}}`), 0o600))

	m := NewManager(path, logx.Nop())
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.Level)

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	// Keep rewriting until the watcher is up and has seen a change.
	var got *Config
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte(`{"logging":{"level":"debug"}}`), 0o600)
		select {
		case got = <-sub:
			return true
		default:
			return false
		}
	}, 5*time.Second, 100*time.Millisecond)
	assert.Equal(t, "debug", got.Logging.Level)
	assert.Equal(t, "debug", m.Get().Logging.Level)

	// An invalid file is rejected and the committed config stays.
	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"loud"}}`), 0o600))
	time.Sleep(3 * reloadDebounce)
	assert.Equal(t, "debug", m.Get().Logging.Level)

	cancel()
	require.NoError(t, <-done)
}
