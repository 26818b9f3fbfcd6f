package commands

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobsched/internal/storage"
)

// cli runs the command tree against a throwaway SQLite file.
type cli struct {
	t      *testing.T
	config string
}

func newCLI(t *testing.T) *cli {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "jobsched.json")
	raw := fmt.Sprintf(`{"logging":{"level":"error"},"storage":{"driver":"sqlite","path":%q}}`, filepath.Join(dir, "jobs.db"))
	require.NoError(t, os.WriteFile(cfg, []byte(raw), 0o600))
	return &cli{t: t, config: cfg}
}

func (c *cli) run(args ...string) (string, error) {
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", c.config}, args...))
	err := root.Execute()
	return out.String(), err
}

func (c *cli) mustRun(args ...string) string {
	out, err := c.run(args...)
	require.NoError(c.t, err, out)
	return out
}

func TestJobsLifecycle(t *testing.T) {
	c := newCLI(t)
	c.mustRun("migrate")

	id := strings.TrimSpace(c.mustRun("jobs", "add", "--name", "nightly", "--pattern", "0 3 * * *",
		"--handler", "log", "-p", "message=hello", "--schedule"))
	require.NotEmpty(t, id)

	assert.Equal(t, "1\n", c.mustRun("jobs", "count"))

	list := c.mustRun("jobs", "list", "--status", "scheduled")
	assert.Contains(t, list, id)
	assert.Contains(t, list, "Total: 1 job(s)")
	assert.Contains(t, c.mustRun("jobs", "list", "--status", "failed"), "No jobs found")

	c.mustRun("jobs", "params", id, "level", "warn")
	got := c.mustRun("jobs", "get", id)
	assert.Contains(t, got, "Status:   SCHEDULED")
	assert.Contains(t, got, "message=hello")
	assert.Contains(t, got, "level=warn")

	c.mustRun("jobs", "delete", id)
	assert.Equal(t, "0\n", c.mustRun("jobs", "count"))

	_, err := c.run("jobs", "get", id)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestJobsAddRejectsBadInput(t *testing.T) {
	c := newCLI(t)

	_, err := c.run("jobs", "add", "--name", "x", "--pattern", "61 * * * *", "--handler", "noop")
	assert.Error(t, err)

	_, err = c.run("jobs", "add", "--name", "x", "--pattern", "* * * * *", "--handler", "mailer")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown handler")

	_, err = c.run("jobs", "add", "--name", "x", "--pattern", "* * * * *", "--handler", "mailer", "--any-handler")
	assert.NoError(t, err)

	_, err = c.run("jobs", "list", "--status", "sleeping")
	assert.Error(t, err)
}

func TestAddOptionsBuild(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 7, 30, 0, time.UTC)

	job, err := (&addOptions{name: " a ", pattern: "*/15 * * * *", handlerRef: "noop"}).build(now)
	require.NoError(t, err)
	assert.Equal(t, "a", job.Name)
	assert.True(t, job.Enabled)
	assert.Nil(t, job.NextExecutionAt)

	job, err = (&addOptions{name: "a", pattern: "*/15 * * * *", handlerRef: "noop", scheduleNow: true, disabled: true}).build(now)
	require.NoError(t, err)
	assert.False(t, job.Enabled)
	require.NotNil(t, job.NextExecutionAt)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 15, 0, 0, time.UTC), *job.NextExecutionAt)
}

func TestSettings(t *testing.T) {
	c := newCLI(t)

	_, err := c.run("settings", "get", "SchedulerService.MaximumJobExecutionAttempts")
	assert.Error(t, err)

	c.mustRun("settings", "set", "SchedulerService.MaximumJobExecutionAttempts", "10")
	assert.Equal(t, "10\n", c.mustRun("settings", "get", "SchedulerService.MaximumJobExecutionAttempts"))

	_, err = c.run("settings", "set", "SchedulerService.MaximumJobExecutionAttempts", "many")
	assert.Error(t, err)
}
