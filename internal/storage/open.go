package storage

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	logx "jobsched/pkg/logx"
)

// Store is the persistence API used by the scheduler and the admin CLI.
type Store interface {
	ClaimNextDue(ctx context.Context, retryDelay time.Duration, workerID string) (*Job, error)
	NextUnscheduled(ctx context.Context) (*Job, error)
	ScheduleAt(ctx context.Context, id string, when time.Time) error
	SetStatus(ctx context.Context, id string, status Status) error
	Unlock(ctx context.Context, id string, status Status) error
	IncrementAttempts(ctx context.Context, id string) error
	ResetOrphanedLocks(ctx context.Context, workerID string, from, to Status) (int64, error)

	CreateJob(ctx context.Context, job *Job) error
	UpdateJob(ctx context.Context, job *Job) error
	DeleteJob(ctx context.Context, id string) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context) ([]*Job, error)
	ListUnscheduled(ctx context.Context) ([]*Job, error)
	CountJobs(ctx context.Context) (int, error)
	GetParameters(ctx context.Context, jobID string) ([]JobParameter, error)
	SetParameter(ctx context.Context, jobID, name, value string) error

	GetInt(ctx context.Context, key string) (int, bool, error)
	SetIfAbsent(ctx context.Context, key string, value int, description string) error
	SetInt(ctx context.Context, key string, value int, description string) error

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Open initializes the configured store.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	var (
		st  *sqlStore
		err error
	)
	switch driver {
	case "sqlite", "sqlite3":
		st, err = openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		st, err = openPostgres(ctx, cfg, log)
	case "", "none":
		return nil, errors.New("storage driver is required")
	default:
		return nil, errors.Newf("unknown storage driver: %s", driver)
	}
	if err != nil {
		return nil, err
	}

	if cfg.AutoMigrate {
		if err := st.Migrate(ctx); err != nil {
			_ = st.Close()
			return nil, err
		}
	}
	log.Debug("storage opened", logx.String("driver", st.d.name))
	return st, nil
}
