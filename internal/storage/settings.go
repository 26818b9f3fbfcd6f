package storage

import (
	"context"
	"database/sql"
	"strconv"

	"github.com/cockroachdb/errors"
)

// GetInt reads an integer configuration value. ok is false when the key is
// absent.
func (s *sqlStore) GetInt(ctx context.Context, key string) (int, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT value FROM settings WHERE key = ?`), key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrapf(err, "get setting %q", key)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, errors.Wrapf(err, "setting %q is not an integer", key)
	}
	return v, true, nil
}

// SetIfAbsent stores value under key unless the key already exists.
func (s *sqlStore) SetIfAbsent(ctx context.Context, key string, value int, description string) error {
	_, err := s.db.ExecContext(ctx,
		s.d.rebind(`INSERT INTO settings(key, value, description) VALUES(?,?,?) ON CONFLICT(key) DO NOTHING`),
		key, strconv.Itoa(value), description)
	if err != nil {
		return errors.Wrapf(err, "provision setting %q", key)
	}
	return nil
}

// SetInt stores value under key, replacing any previous value.
func (s *sqlStore) SetInt(ctx context.Context, key string, value int, description string) error {
	_, err := s.db.ExecContext(ctx,
		s.d.rebind(`INSERT INTO settings(key, value, description) VALUES(?,?,?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`),
		key, strconv.Itoa(value), description)
	if err != nil {
		return errors.Wrapf(err, "set setting %q", key)
	}
	return nil
}
