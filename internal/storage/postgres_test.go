package storage

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "jobsched/pkg/logx"
)

func newMockStore(t *testing.T) (*sqlStore, sqlmock.Sqlmock, time.Time) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := newSQLStore(db, postgresDialect, logx.Nop())
	now := time.Date(2024, 1, 1, 0, 5, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	return s, mock, now
}

func jobRows(now time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(strings.Split(jobColumns, ", ")).
		AddRow("j1", "hourly", "0 * * * *", "noop", true, "SCHEDULED", 0, nil, nil, toMillis(now.Add(-time.Minute)), toMillis(now))
}

func TestRebind(t *testing.T) {
	assert.Equal(t, "a = ? AND b = ?", sqliteDialect.rebind("a = ? AND b = ?"))
	assert.Equal(t, "a = $1 AND b = $2", postgresDialect.rebind("a = ? AND b = ?"))
}

func TestPostgresClaimLocksWithSkipLocked(t *testing.T) {
	s, mock, now := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT .* FROM jobs\s+WHERE status = \$1 AND enabled = \$2.*FOR UPDATE SKIP LOCKED`).
		WithArgs("SCHEDULED", true, toMillis(now.Add(-time.Minute)), toMillis(now)).
		WillReturnRows(jobRows(now))
	mock.ExpectExec(`UPDATE jobs SET status = \$1, lock_owner = \$2, updated_at = \$3 WHERE id = \$4 AND status = \$5`).
		WithArgs("EXECUTING", "W1", toMillis(now), "j1", "SCHEDULED").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	job, err := s.ClaimNextDue(context.Background(), time.Minute, "W1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "j1", job.ID)
	assert.Equal(t, StatusScheduled, job.Status)
	require.NotNil(t, job.NextExecutionAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresClaimNothingDueCommitsEmpty(t *testing.T) {
	s, mock, _ := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).WillReturnError(sql.ErrNoRows)
	mock.ExpectCommit()

	job, err := s.ClaimNextDue(context.Background(), time.Minute, "W1")
	require.NoError(t, err)
	assert.Nil(t, job)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresClaimRollsBackWhenLockLost(t *testing.T) {
	s, mock, now := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).WillReturnRows(jobRows(now))
	mock.ExpectExec(`UPDATE jobs SET status`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	job, err := s.ClaimNextDue(context.Background(), time.Minute, "W1")
	require.Error(t, err)
	assert.Nil(t, job)
	assert.True(t, errors.Is(err, ErrNoRowsAffected))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUnlockZeroRows(t *testing.T) {
	s, mock, now := newMockStore(t)

	mock.ExpectExec(`UPDATE jobs SET status = \$1, lock_owner = NULL, updated_at = \$2 WHERE id = \$3`).
		WithArgs("SCHEDULED", toMillis(now), "gone").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.Unlock(context.Background(), "gone", StatusScheduled)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoRowsAffected))
	assert.Contains(t, errors.FlattenDetails(err), "Job ID: gone")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresResetOrphanedLocksReturnsCount(t *testing.T) {
	s, mock, now := newMockStore(t)

	mock.ExpectExec(`UPDATE jobs SET status = \$1, lock_owner = NULL, updated_at = \$2 WHERE lock_owner = \$3 AND status = \$4`).
		WithArgs("SCHEDULED", toMillis(now), "W1", "EXECUTING").
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.ResetOrphanedLocks(context.Background(), "W1", StatusExecuting, StatusScheduled)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSetIfAbsentDoesNothingOnConflict(t *testing.T) {
	s, mock, _ := newMockStore(t)

	mock.ExpectExec(`INSERT INTO settings\(key, value, description\) VALUES\(\$1,\$2,\$3\)\s+ON CONFLICT\(key\) DO NOTHING`).
		WithArgs("SchedulerService.JobExecutionRetryDelay", "60000", "retry delay").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.SetIfAbsent(context.Background(), "SchedulerService.JobExecutionRetryDelay", 60000, "retry delay")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
