package storage

import (
	"context"
	"database/sql"
	"embed"

	"github.com/cockroachdb/errors"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	logx "jobsched/pkg/logx"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// Migrate brings the schema up to date. It is safe to run on every start.
func (s *sqlStore) Migrate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := iofs.New(migrationsFS, "migrations/"+s.d.name)
	if err != nil {
		return errors.Wrap(err, "migration source")
	}

	var (
		drv     database.Driver
		release func()
	)
	switch s.d.name {
	case sqliteDialect.name:
		// The sqlite driver works on s.db directly and closes it on Close,
		// so only the source is released afterwards.
		drv, err = sqlitemigrate.WithInstance(s.db, &sqlitemigrate.Config{})
		release = func() { _ = src.Close() }
	case postgresDialect.name:
		var mdb *sql.DB
		mdb, err = s.openMigrationDB()
		if err != nil {
			return err
		}
		drv, err = pgxmigrate.WithInstance(mdb, &pgxmigrate.Config{MultiStatementEnabled: true})
		if err != nil {
			_ = mdb.Close()
		}
	default:
		err = errors.Newf("no migrations for dialect %s", s.d.name)
	}
	if err != nil {
		return errors.Wrap(err, "migration driver")
	}

	m, err := migrate.NewWithInstance("iofs", src, s.d.name, drv)
	if err != nil {
		return errors.Wrap(err, "migrate init")
	}
	if release == nil {
		release = func() { _, _ = m.Close() }
	}
	defer release()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "migrate up")
	}
	if v, dirty, err := m.Version(); err == nil {
		s.log.Debug("schema migrated", logx.Uint64("version", uint64(v)), logx.Bool("dirty", dirty))
	}
	return nil
}

// openMigrationDB opens a dedicated connection using the simple query
// protocol so multi-statement migration files run unchanged.
func (s *sqlStore) openMigrationDB() (*sql.DB, error) {
	cc, err := pgx.ParseConfig(s.dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres dsn")
	}
	cc.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	return stdlib.OpenDB(*cc), nil
}
