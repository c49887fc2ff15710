package nvs

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/wippyai/vmbridge/errors"
)

// SQLite persists values in a sqlite database, so they survive restarts.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path. ":memory:" gives a
// private in-memory database.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseStore, errors.KindCreation, err, "open database")
	}
	// A single connection keeps ":memory:" databases shared across calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, errors.Wrap(errors.PhaseStore, errors.KindCreation, err, "set busy timeout")
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS nvs (
		key TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, errors.Wrap(errors.PhaseStore, errors.KindCreation, err, "create table")
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Get(ctx context.Context, key string) (int32, bool, error) {
	if err := CheckKey(key); err != nil {
		return 0, false, err
	}
	var v int64
	err := s.db.QueryRowContext(ctx, "SELECT value FROM nvs WHERE key = ?", key).Scan(&v)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, errors.Wrap(errors.PhaseStore, errors.KindFault, err, fmt.Sprintf("get %q", key))
	}
	return int32(v), true, nil
}

func (s *SQLite) Set(ctx context.Context, key string, val int32) error {
	if err := CheckKey(key); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO nvs (key, value) VALUES (?, ?)", key, int64(val))
	if err != nil {
		return errors.Wrap(errors.PhaseStore, errors.KindFault, err, fmt.Sprintf("set %q", key))
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
