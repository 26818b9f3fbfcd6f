package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	logx "jobsched/pkg/logx"
)

const memoryPath = ":memory:"

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (*sqlStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}

	dsn := path
	if path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "create sqlite directory")
		}
		// Take the write lock at BEGIN so the claim SELECT and UPDATE cannot
		// interleave with another process.
		dsn = "file:" + path + "?_txlock=immediate"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// One connection serializes claims within the process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	busy := cfg.BusyTimeout.Milliseconds()
	if busy <= 0 {
		busy = 5000
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy),
		"PRAGMA foreign_keys = ON",
	}
	if path != memoryPath {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL")
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "sqlite %s", p)
		}
	}

	return newSQLStore(db, sqliteDialect, log.With(logx.String("comp", "storage.sqlite"))), nil
}
