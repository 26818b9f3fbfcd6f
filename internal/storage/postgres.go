package storage

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	logx "jobsched/pkg/logx"
)

// openPostgres builds a pgx pool and exposes it through database/sql so the
// same query code serves both backends.
func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (*sqlStore, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres dsn")
	}
	if cfg.MaxOpenConns > 0 {
		pcfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, errors.Wrap(err, "create postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}

	st := newSQLStore(stdlib.OpenDBFromPool(pool), postgresDialect, log.With(logx.String("comp", "storage.postgres")))
	st.dsn = dsn
	st.onClose = pool.Close
	return st, nil
}
