package storage

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	logx "jobsched/pkg/logx"
)

// dialect captures the few places where SQLite and Postgres differ.
type dialect struct {
	name string
	// lockSuffix is appended to the locking SELECTs (claim, promotion).
	lockSuffix string
	// numbered placeholders ($1, $2, ...) instead of '?'.
	numbered bool
}

var (
	sqliteDialect   = dialect{name: "sqlite"}
	postgresDialect = dialect{name: "postgres", lockSuffix: " FOR UPDATE SKIP LOCKED", numbered: true}
)

// rebind rewrites '?' placeholders for dialects that number them.
func (d dialect) rebind(q string) string {
	if !d.numbered {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

const jobColumns = `id, name, pattern, handler_ref, enabled, status, attempts, lock_owner, last_executed_at, next_execution_at, updated_at`

type sqlStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger
	now func() time.Time

	// dsn is kept for postgres migrations, which need their own connection.
	dsn string
	// onClose releases driver resources that outlive db (the pgx pool).
	onClose func()
}

func newSQLStore(db *sql.DB, d dialect, log logx.Logger) *sqlStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &sqlStore{db: db, d: d, log: log, now: func() time.Time { return time.Now().UTC() }}
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	if s.onClose != nil {
		s.onClose()
	}
	return err
}

func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// withTx runs fn inside its own transaction. It is committed if fn returns
// nil and rolled back otherwise (including on panic).
func (s *sqlStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit tx")
	}
	return nil
}

// ---- engine operations ----

func (s *sqlStore) ClaimNextDue(ctx context.Context, retryDelay time.Duration, workerID string) (*Job, error) {
	if strings.TrimSpace(workerID) == "" {
		return nil, errors.New("claim: worker id is required")
	}
	var claimed *Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		q := `SELECT ` + jobColumns + ` FROM jobs
			WHERE status = ? AND enabled = ?
			  AND (attempts = 0 OR last_executed_at < ?)
			  AND next_execution_at <= ?
			ORDER BY updated_at ASC, id ASC
			LIMIT 1` + s.d.lockSuffix
		job, err := scanJob(tx.QueryRowContext(ctx, s.d.rebind(q),
			string(StatusScheduled), true, toMillis(now.Add(-retryDelay)), toMillis(now)))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "select next due job")
		}

		res, err := tx.ExecContext(ctx,
			s.d.rebind(`UPDATE jobs SET status = ?, lock_owner = ?, updated_at = ? WHERE id = ? AND status = ?`),
			string(StatusExecuting), workerID, toMillis(now), job.ID, string(StatusScheduled))
		if err := expectOne(res, err, "lock job", job.ID); err != nil {
			return err
		}
		claimed = job
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "claim next due job")
	}
	return claimed, nil
}

func (s *sqlStore) NextUnscheduled(ctx context.Context) (*Job, error) {
	var found *Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		q := `SELECT ` + jobColumns + ` FROM jobs
			WHERE enabled = ? AND status = ?
			ORDER BY updated_at ASC, id ASC
			LIMIT 1` + s.d.lockSuffix
		job, err := scanJob(tx.QueryRowContext(ctx, s.d.rebind(q), true, string(StatusUnscheduled)))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = job
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "select next unscheduled job")
	}
	return found, nil
}

func (s *sqlStore) ScheduleAt(ctx context.Context, id string, when time.Time) error {
	res, err := s.db.ExecContext(ctx,
		s.d.rebind(`UPDATE jobs SET status = ?, attempts = 0, next_execution_at = ?, updated_at = ? WHERE id = ?`),
		string(StatusScheduled), toMillis(when), toMillis(s.now()), id)
	return expectOne(res, err, "schedule job", id)
}

func (s *sqlStore) SetStatus(ctx context.Context, id string, status Status) error {
	res, err := s.db.ExecContext(ctx,
		s.d.rebind(`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`),
		string(status), toMillis(s.now()), id)
	return expectOne(res, err, "set job status", id)
}

func (s *sqlStore) Unlock(ctx context.Context, id string, status Status) error {
	res, err := s.db.ExecContext(ctx,
		s.d.rebind(`UPDATE jobs SET status = ?, lock_owner = NULL, updated_at = ? WHERE id = ?`),
		string(status), toMillis(s.now()), id)
	return expectOne(res, err, "unlock job", id)
}

func (s *sqlStore) IncrementAttempts(ctx context.Context, id string) error {
	now := toMillis(s.now())
	res, err := s.db.ExecContext(ctx,
		s.d.rebind(`UPDATE jobs SET attempts = attempts + 1, last_executed_at = ?, updated_at = ? WHERE id = ?`),
		now, now, id)
	return expectOne(res, err, "increment job execution attempts", id)
}

func (s *sqlStore) ResetOrphanedLocks(ctx context.Context, workerID string, from, to Status) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		s.d.rebind(`UPDATE jobs SET status = ?, lock_owner = NULL, updated_at = ? WHERE lock_owner = ? AND status = ?`),
		string(to), toMillis(s.now()), workerID, string(from))
	if err != nil {
		return 0, errors.Wrapf(err, "reset job locks for %s", workerID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "reset job locks: rows affected")
	}
	return n, nil
}

// ---- admin operations ----

func (s *sqlStore) CreateJob(ctx context.Context, job *Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	if strings.TrimSpace(job.ID) == "" {
		job.ID = uuid.NewString()
	}
	job.Status = StatusUnscheduled
	if job.NextExecutionAt != nil {
		job.Status = StatusScheduled
	}
	job.Attempts = 0
	job.LockOwner = ""
	job.UpdatedAt = s.now()

	_, err := s.db.ExecContext(ctx, s.d.rebind(`INSERT INTO jobs(`+jobColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?)`),
		job.ID, job.Name, job.Pattern, job.HandlerRef, job.Enabled, string(job.Status), job.Attempts,
		nil, nullMillis(job.LastExecutedAt), nullMillis(job.NextExecutionAt), toMillis(job.UpdatedAt))
	if err != nil {
		err = errors.Wrap(err, "create job")
		return errors.WithDetailf(err, "Job ID: %s", job.ID)
	}
	return nil
}

// UpdateJob rewrites the job definition (name, pattern, handler, enabled).
// Lifecycle columns are owned by the engine and left untouched.
func (s *sqlStore) UpdateJob(ctx context.Context, job *Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		s.d.rebind(`UPDATE jobs SET name = ?, pattern = ?, handler_ref = ?, enabled = ?, updated_at = ? WHERE id = ?`),
		job.Name, job.Pattern, job.HandlerRef, job.Enabled, toMillis(s.now()), job.ID)
	return expectOne(res, err, "update job", job.ID)
}

func (s *sqlStore) DeleteJob(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.d.rebind(`DELETE FROM job_parameters WHERE job_id = ?`), id); err != nil {
			return errors.Wrapf(err, "delete parameters of job %s", id)
		}
		res, err := tx.ExecContext(ctx, s.d.rebind(`DELETE FROM jobs WHERE id = ?`), id)
		return expectOne(res, err, "delete job", id)
	})
}

func (s *sqlStore) GetJob(ctx context.Context, id string) (*Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, s.d.rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "job %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get job %s", id)
	}
	return job, nil
}

func (s *sqlStore) ListJobs(ctx context.Context) ([]*Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY name ASC, id ASC`)
}

func (s *sqlStore) ListUnscheduled(ctx context.Context) ([]*Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE next_execution_at IS NULL ORDER BY updated_at ASC, id ASC`)
}

func (s *sqlStore) CountJobs(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(id) FROM jobs`).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count jobs")
	}
	return n, nil
}

func (s *sqlStore) GetParameters(ctx context.Context, jobID string) ([]JobParameter, error) {
	rows, err := s.db.QueryContext(ctx,
		s.d.rebind(`SELECT id, job_id, name, value FROM job_parameters WHERE job_id = ? ORDER BY name ASC`), jobID)
	if err != nil {
		return nil, errors.Wrapf(err, "get parameters of job %s", jobID)
	}
	defer rows.Close()

	var out []JobParameter
	for rows.Next() {
		var p JobParameter
		if err := rows.Scan(&p.ID, &p.JobID, &p.Name, &p.Value); err != nil {
			return nil, errors.Wrap(err, "scan job parameter")
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "get parameters of job %s", jobID)
	}
	return out, nil
}

func (s *sqlStore) SetParameter(ctx context.Context, jobID, name, value string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("parameter name is required")
	}
	_, err := s.db.ExecContext(ctx,
		s.d.rebind(`INSERT INTO job_parameters(job_id, name, value) VALUES(?,?,?)
			ON CONFLICT(job_id, name) DO UPDATE SET value = excluded.value`),
		jobID, name, value)
	if err != nil {
		err = errors.Wrapf(err, "set parameter %q", name)
		return errors.WithDetailf(err, "Job ID: %s", jobID)
	}
	return nil
}

func (s *sqlStore) queryJobs(ctx context.Context, q string, args ...any) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(q), args...)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	return out, nil
}

// ---- helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*Job, error) {
	var (
		job          Job
		status       string
		lockOwner    sql.NullString
		lastExecuted sql.NullInt64
		nextExec     sql.NullInt64
		updated      int64
	)
	if err := r.Scan(&job.ID, &job.Name, &job.Pattern, &job.HandlerRef, &job.Enabled, &status,
		&job.Attempts, &lockOwner, &lastExecuted, &nextExec, &updated); err != nil {
		return nil, err
	}
	job.Status = Status(status)
	job.LockOwner = lockOwner.String
	job.LastExecutedAt = fromNullMillis(lastExecuted)
	job.NextExecutionAt = fromNullMillis(nextExec)
	job.UpdatedAt = fromMillis(updated)
	return &job, nil
}

// expectOne turns a single-row write result into an error unless exactly one
// row changed.
func expectOne(res sql.Result, err error, op, id string) error {
	if err != nil {
		err = errors.Wrap(err, op)
		return errors.WithDetailf(err, "Job ID: %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "%s: rows affected", op)
	}
	if n != 1 {
		err := errors.Wrapf(ErrNoRowsAffected, "%s %s: %d rows affected", op, id, n)
		return errors.WithDetailf(err, "Job ID: %s", id)
	}
	return nil
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toMillis(*t)
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}
