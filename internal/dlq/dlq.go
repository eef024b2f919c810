// Package dlq is the dead-letter store: an append-only record of
// jobs the worker gave up on, indexed for operator inspection and
// replay. SQLite-backed like internal/queue, grounded on the same
// teacher's internal/database pattern.
package dlq

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/trek-e/stash2plex/internal/queue"
	"github.com/trek-e/stash2plex/internal/sqlitestore"
)

// Entry is a terminally-failed job.
type Entry struct {
	ID                  int64
	SceneID             int64
	SerializedJob       queue.Job
	ErrorKindName       string
	ErrorMessage        string
	RetryCountAtFailure int
	FailedAt            int64
}

// Store is the dead-letter store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the dead-letter database at path.
func Open(path string) (*Store, error) {
	db, err := sqlitestore.Open(path)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS dlq_entries (
	id                     INTEGER PRIMARY KEY AUTOINCREMENT,
	scene_id               INTEGER NOT NULL,
	serialized_job         TEXT NOT NULL,
	error_kind_name        TEXT NOT NULL,
	error_message          TEXT NOT NULL,
	retry_count_at_failure INTEGER NOT NULL,
	failed_at              INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dlq_scene_id ON dlq_entries(scene_id);
CREATE INDEX IF NOT EXISTS idx_dlq_failed_at ON dlq_entries(failed_at);
CREATE INDEX IF NOT EXISTS idx_dlq_error_kind ON dlq_entries(error_kind_name);
`
	_, err := s.db.Exec(schema)
	return errors.Wrap(err, "migrate dlq schema")
}

// Add records a terminally-failed job.
func (s *Store) Add(job queue.Job, errorKindName, errorMessage string) (Entry, error) {
	serialized, err := json.Marshal(job)
	if err != nil {
		return Entry{}, errors.Wrap(err, "marshal job")
	}

	now := time.Now().Unix()
	res, err := s.db.Exec(
		`INSERT INTO dlq_entries (scene_id, serialized_job, error_kind_name, error_message, retry_count_at_failure, failed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		job.SceneID, string(serialized), errorKindName, errorMessage, job.RetryCount, now,
	)
	if err != nil {
		return Entry{}, errors.Wrap(err, "insert dlq entry")
	}

	id, err := res.LastInsertId()
	if err != nil {
		return Entry{}, errors.Wrap(err, "read inserted dlq id")
	}

	return Entry{
		ID: id, SceneID: job.SceneID, SerializedJob: job,
		ErrorKindName: errorKindName, ErrorMessage: errorMessage,
		RetryCountAtFailure: job.RetryCount, FailedAt: now,
	}, nil
}

// GetRecent returns up to limit entries, newest first.
func (s *Store) GetRecent(limit int) ([]Entry, error) {
	rows, err := s.db.Query(
		`SELECT id, scene_id, serialized_job, error_kind_name, error_message, retry_count_at_failure, failed_at
		 FROM dlq_entries ORDER BY failed_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query recent dlq entries")
	}
	defer rows.Close()
	return scanEntries(rows)
}

// GetByID returns the entry with the given id, or sql.ErrNoRows if none.
func (s *Store) GetByID(id int64) (Entry, error) {
	var e Entry
	var serialized string
	err := s.db.QueryRow(
		`SELECT id, scene_id, serialized_job, error_kind_name, error_message, retry_count_at_failure, failed_at
		 FROM dlq_entries WHERE id = ?`, id,
	).Scan(&e.ID, &e.SceneID, &serialized, &e.ErrorKindName, &e.ErrorMessage, &e.RetryCountAtFailure, &e.FailedAt)
	if err != nil {
		return Entry{}, err
	}
	if err := json.Unmarshal([]byte(serialized), &e.SerializedJob); err != nil {
		return Entry{}, errors.Wrap(err, "unmarshal serialized job")
	}
	return e, nil
}

// DeleteOlderThan removes entries older than seconds, returning the
// number pruned.
func (s *Store) DeleteOlderThan(seconds int64) (int64, error) {
	cutoff := time.Now().Unix() - seconds
	res, err := s.db.Exec(`DELETE FROM dlq_entries WHERE failed_at < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "delete old dlq entries")
	}
	return res.RowsAffected()
}

// Count returns the total number of dead-lettered entries.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM dlq_entries`).Scan(&n)
	return n, err
}

// Clear removes every entry.
func (s *Store) Clear() error {
	_, err := s.db.Exec(`DELETE FROM dlq_entries`)
	return errors.Wrap(err, "clear dlq")
}

// Replay copies id's job back onto q as a fresh PENDING row with
// RetryCount reset to 0, then deletes the dead-letter entry.
func (s *Store) Replay(id int64, q *queue.Queue) (queue.Row, error) {
	entry, err := s.GetByID(id)
	if err != nil {
		return queue.Row{}, errors.Wrap(err, "load dlq entry")
	}

	job := entry.SerializedJob
	job.RetryCount = 0
	job.NextRetryAt = nil
	job.LastErrorKind = ""

	row, err := q.Enqueue(job)
	if err != nil {
		return queue.Row{}, errors.Wrap(err, "re-enqueue replayed job")
	}

	if _, err := s.db.Exec(`DELETE FROM dlq_entries WHERE id = ?`, id); err != nil {
		return row, errors.Wrap(err, "delete replayed dlq entry")
	}

	return row, nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var e Entry
		var serialized string
		if err := rows.Scan(&e.ID, &e.SceneID, &serialized, &e.ErrorKindName, &e.ErrorMessage, &e.RetryCountAtFailure, &e.FailedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(serialized), &e.SerializedJob); err != nil {
			return nil, errors.Wrap(err, "unmarshal serialized job")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
