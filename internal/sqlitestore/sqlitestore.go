// Package sqlitestore opens a modernc.org/sqlite database file with the
// pragmas the durable queue and dead-letter store both need, shared so
// the two packages don't duplicate the open/pragma dance.
package sqlitestore

import (
	"database/sql"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// Open creates the parent directory if needed, opens path, and applies
// the same pragma set as the teacher's internal/database openSQLite.
func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, errors.Wrap(err, "create database directory")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "create database file")
	}

	for _, pragma := range []string{
		`PRAGMA busy_timeout = 5000;`,
		`PRAGMA journal_mode = wal;`,
		`PRAGMA foreign_keys = ON;`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			return nil, errors.Wrapf(err, "pragma %q", pragma)
		}
	}

	if err := os.Chmod(path, 0640); err != nil {
		return nil, errors.Wrap(err, "set database file permissions")
	}

	return db, nil
}
