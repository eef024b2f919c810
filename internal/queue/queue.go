// Package queue is the durable, at-least-once job queue backing the
// sync pipeline: SQLite-backed (modernc.org/sqlite, no cgo) storage
// accessed through squirrel, the same stack the teacher's
// internal/database package uses for its own tables. Every state
// transition is a single SQL statement, so a crash between statements
// leaves a row in a well-defined, recoverable state.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/trek-e/stash2plex/internal/sqlitestore"
)

// UpdateKind is the kind of change a Job carries to Plex.
type UpdateKind string

const (
	UpdateMetadata UpdateKind = "metadata"
	UpdateDelete   UpdateKind = "delete"
	UpdateScan     UpdateKind = "scan"
)

// State is a QueueRow's lifecycle state. Only Pending rows are
// dequeuable. Acked/Nacked are logged transition events, not row
// states a row ever rests in — ack/nack land a row on Completed or
// Pending respectively; see queue_events.
type State string

const (
	StatePending    State = "PENDING"
	StateInProgress State = "IN_PROGRESS"
	StateAcked      State = "ACKED"
	StateNacked     State = "NACKED"
	StateFailed     State = "FAILED"
	StateCompleted  State = "COMPLETED"
)

// Payload is a job's validated metadata bundle.
type Payload struct {
	Title          string   `json:"title,omitempty"`
	Details        string   `json:"details,omitempty"`
	Date           string   `json:"date,omitempty"`
	Rating         float64  `json:"rating,omitempty"`
	Studio         string   `json:"studio,omitempty"`
	Performers     []string `json:"performers,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	Path           string   `json:"path,omitempty"`
	PosterURL      string   `json:"posterUrl,omitempty"`
	BackgroundURL  string   `json:"backgroundUrl,omitempty"`
	StashUpdatedAt int64    `json:"stashUpdatedAt"`
}

// Job is one sync request.
type Job struct {
	SceneID       int64
	UpdateKind    UpdateKind
	Payload       Payload
	EnqueuedAt    int64
	RetryCount    int
	NextRetryAt   *int64
	LastErrorKind string
	// ServerDownCount tracks consecutive ServerDown failures separately
	// from RetryCount per spec.md §4.9: ServerDown failures never count
	// against a job's retry budget, but still need their own counter to
	// compute the backoff delay's exponent.
	ServerDownCount int
}

// Row is a Job's storage envelope.
type Row struct {
	JobID        int64
	State        State
	RowTimestamp int64
	Job          Job
}

// Stats is the §4.4 stats() snapshot.
type Stats struct {
	Pending    int
	InProgress int
	Completed  int
	Failed     int
}

// DefaultCompletedRetentionSec is how long a COMPLETED row is kept
// around purely to feed QueuedSceneIDs dedup, per spec default of 7
// days.
const DefaultCompletedRetentionSec = 7 * 24 * 60 * 60

// Queue is the durable job queue.
type Queue struct {
	db *sql.DB
	sq sq.StatementBuilderType
}

// Open opens (creating if necessary) the queue database at path,
// applies its schema, and auto-resumes any IN_PROGRESS row left over
// from an unclean shutdown back to PENDING before the first dequeue.
func Open(path string) (*Queue, error) {
	db, err := sqlitestore.Open(path)
	if err != nil {
		return nil, err
	}

	q := &Queue{
		db: db,
		sq: sq.StatementBuilder.PlaceholderFormat(sq.Question),
	}

	if err := q.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	resumed, err := q.resumeInProgress()
	if err != nil {
		db.Close()
		return nil, err
	}
	if resumed > 0 {
		log.Warn().Int64("rows", resumed).Msg("resumed in-progress queue rows to pending after restart")
	}

	return q, nil
}

func (q *Queue) Close() error {
	return q.db.Close()
}

func (q *Queue) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS queue_rows (
	job_id          INTEGER PRIMARY KEY AUTOINCREMENT,
	scene_id        INTEGER NOT NULL,
	update_kind     TEXT NOT NULL,
	payload         TEXT NOT NULL,
	enqueued_at     INTEGER NOT NULL,
	retry_count     INTEGER NOT NULL DEFAULT 0,
	next_retry_at   INTEGER,
	last_error_kind TEXT NOT NULL DEFAULT '',
	server_down_count INTEGER NOT NULL DEFAULT 0,
	state           TEXT NOT NULL,
	row_timestamp   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queue_rows_state ON queue_rows(state);
CREATE INDEX IF NOT EXISTS idx_queue_rows_scene_id ON queue_rows(scene_id);

CREATE TABLE IF NOT EXISTS queue_events (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id  INTEGER NOT NULL,
	event   TEXT NOT NULL,
	at      INTEGER NOT NULL
);
`
	_, err := q.db.Exec(schema)
	return errors.Wrap(err, "migrate queue schema")
}

func (q *Queue) resumeInProgress() (int64, error) {
	res, err := q.db.Exec(`UPDATE queue_rows SET state = ? WHERE state = ?`, StatePending, StateInProgress)
	if err != nil {
		return 0, errors.Wrap(err, "resume in-progress rows")
	}
	return res.RowsAffected()
}

func (q *Queue) logEvent(jobID int64, event State, at int64) {
	if _, err := q.db.Exec(`INSERT INTO queue_events (job_id, event, at) VALUES (?, ?, ?)`, jobID, event, at); err != nil {
		log.Warn().Err(err).Int64("job_id", jobID).Msg("failed to record queue event")
	}
}

// Enqueue appends job unconditionally; deduplication is the caller's
// responsibility (see internal/pending and internal/reconcile).
func (q *Queue) Enqueue(job Job) (Row, error) {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return Row{}, errors.Wrap(err, "marshal payload")
	}

	now := time.Now().Unix()
	if job.EnqueuedAt == 0 {
		job.EnqueuedAt = now
	}

	res, err := q.db.Exec(
		`INSERT INTO queue_rows (scene_id, update_kind, payload, enqueued_at, retry_count, next_retry_at, last_error_kind, server_down_count, state, row_timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.SceneID, job.UpdateKind, string(payload), job.EnqueuedAt, job.RetryCount, job.NextRetryAt, job.LastErrorKind, job.ServerDownCount, StatePending, now,
	)
	if err != nil {
		return Row{}, errors.Wrap(err, "insert queue row")
	}

	jobID, err := res.LastInsertId()
	if err != nil {
		return Row{}, errors.Wrap(err, "read inserted job id")
	}

	return Row{JobID: jobID, State: StatePending, RowTimestamp: now, Job: job}, nil
}

// GetPending blocks, polling every 200ms, up to timeout for a PENDING
// row, atomically claiming it to IN_PROGRESS before returning.
// Returns (Row{}, false, nil) on timeout with no work available.
func (q *Queue) GetPending(ctx context.Context, timeout time.Duration) (Row, bool, error) {
	deadline := time.Now().Add(timeout)
	const pollInterval = 200 * time.Millisecond

	for {
		row, ok, err := q.claimOnePending()
		if err != nil {
			return Row{}, false, err
		}
		if ok {
			return row, true, nil
		}

		if time.Now().After(deadline) {
			return Row{}, false, nil
		}

		select {
		case <-ctx.Done():
			return Row{}, false, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (q *Queue) claimOnePending() (Row, bool, error) {
	tx, err := q.db.BeginTx(context.Background(), nil)
	if err != nil {
		return Row{}, false, errors.Wrap(err, "begin claim tx")
	}
	defer tx.Rollback()

	var (
		row           Row
		payload       string
		nextRetryAt   sql.NullInt64
		lastErrorKind string
	)
	err = tx.QueryRow(
		`SELECT job_id, scene_id, update_kind, payload, enqueued_at, retry_count, next_retry_at, last_error_kind, server_down_count, row_timestamp
		 FROM queue_rows WHERE state = ? ORDER BY job_id ASC LIMIT 1`, StatePending,
	).Scan(&row.JobID, &row.Job.SceneID, &row.Job.UpdateKind, &payload, &row.Job.EnqueuedAt, &row.Job.RetryCount, &nextRetryAt, &lastErrorKind, &row.Job.ServerDownCount, &row.RowTimestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, false, nil
	}
	if err != nil {
		return Row{}, false, errors.Wrap(err, "select pending row")
	}

	if err := json.Unmarshal([]byte(payload), &row.Job.Payload); err != nil {
		return Row{}, false, errors.Wrap(err, "unmarshal payload")
	}
	if nextRetryAt.Valid {
		row.Job.NextRetryAt = &nextRetryAt.Int64
	}
	row.Job.LastErrorKind = lastErrorKind

	res, err := tx.Exec(`UPDATE queue_rows SET state = ? WHERE job_id = ? AND state = ?`, StateInProgress, row.JobID, StatePending)
	if err != nil {
		return Row{}, false, errors.Wrap(err, "claim pending row")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Row{}, false, err
	}
	if affected == 0 {
		// Lost the race to another claimer; caller polls again.
		return Row{}, false, nil
	}

	if err := tx.Commit(); err != nil {
		return Row{}, false, errors.Wrap(err, "commit claim tx")
	}

	row.State = StateInProgress
	q.logEvent(row.JobID, StateInProgress, time.Now().Unix())
	return row, true, nil
}

// Ack marks row's job a terminal success: IN_PROGRESS -> COMPLETED.
func (q *Queue) Ack(row Row) error {
	now := time.Now().Unix()
	res, err := q.db.Exec(`UPDATE queue_rows SET state = ?, row_timestamp = ? WHERE job_id = ? AND state = ?`,
		StateCompleted, now, row.JobID, StateInProgress)
	if err != nil {
		return errors.Wrap(err, "ack row")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Errorf("ack: job %d was not in progress", row.JobID)
	}
	q.logEvent(row.JobID, StateAcked, now)
	return nil
}

// Nack returns row to PENDING, persisting the caller's updated retry
// bookkeeping (RetryCount, NextRetryAt, LastErrorKind, ServerDownCount)
// on row.Job.
func (q *Queue) Nack(row Row) error {
	res, err := q.db.Exec(
		`UPDATE queue_rows SET state = ?, retry_count = ?, next_retry_at = ?, last_error_kind = ?, server_down_count = ? WHERE job_id = ? AND state = ?`,
		StatePending, row.Job.RetryCount, row.Job.NextRetryAt, row.Job.LastErrorKind, row.Job.ServerDownCount, row.JobID, StateInProgress,
	)
	if err != nil {
		return errors.Wrap(err, "nack row")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Errorf("nack: job %d was not in progress", row.JobID)
	}
	q.logEvent(row.JobID, StateNacked, time.Now().Unix())
	return nil
}

// Fail marks row's job a terminal failure. The caller must have
// already copied it into the dead-letter store.
func (q *Queue) Fail(row Row) error {
	res, err := q.db.Exec(`UPDATE queue_rows SET state = ? WHERE job_id = ? AND state = ?`,
		StateFailed, row.JobID, StateInProgress)
	if err != nil {
		return errors.Wrap(err, "fail row")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Errorf("fail: job %d was not in progress", row.JobID)
	}
	q.logEvent(row.JobID, StateFailed, time.Now().Unix())
	return nil
}

// GetStats returns current row counts by state.
func (q *Queue) GetStats() (Stats, error) {
	rows, err := q.db.Query(`SELECT state, COUNT(*) FROM queue_rows GROUP BY state`)
	if err != nil {
		return Stats{}, errors.Wrap(err, "query stats")
	}
	defer rows.Close()

	var s Stats
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return Stats{}, err
		}
		switch State(state) {
		case StatePending:
			s.Pending = n
		case StateInProgress:
			s.InProgress = n
		case StateCompleted:
			s.Completed = n
		case StateFailed:
			s.Failed = n
		}
	}
	return s, rows.Err()
}

// QueuedSceneIDs returns the set of sceneIDs in PENDING, IN_PROGRESS,
// or recently-COMPLETED rows (row_timestamp within completedWindowSec
// of now). This window is what prevents the infinite-requeue
// pathology: without it a just-finished job's sceneID briefly looks
// unqueued to reconciliation racing the worker.
func (q *Queue) QueuedSceneIDs(completedWindowSec int64) (map[int64]struct{}, error) {
	cutoff := time.Now().Unix() - completedWindowSec
	rows, err := q.db.Query(
		`SELECT DISTINCT scene_id FROM queue_rows
		 WHERE state IN (?, ?) OR (state = ? AND row_timestamp > ?)`,
		StatePending, StateInProgress, StateCompleted, cutoff,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query queued scene ids")
	}
	defer rows.Close()

	out := map[int64]struct{}{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

// FastTrackPending clears NextRetryAt on every PENDING row last nacked
// with lastErrorKind, so the worker's isReadyForRetry guard no longer
// holds them back. Used by the task-mode recover_outage_jobs command
// right after a confirmed Plex recovery, so ServerDown-nacked jobs
// don't sit out the rest of their backoff window unnecessarily.
func (q *Queue) FastTrackPending(lastErrorKind string) (int64, error) {
	res, err := q.db.Exec(
		`UPDATE queue_rows SET next_retry_at = NULL WHERE state = ? AND last_error_kind = ?`,
		StatePending, lastErrorKind,
	)
	if err != nil {
		return 0, errors.Wrap(err, "fast-track pending rows")
	}
	return res.RowsAffected()
}

// Clear removes every row and event, for the task-mode clear_queue
// command. It does not touch the dead-letter store.
func (q *Queue) Clear() error {
	if _, err := q.db.Exec(`DELETE FROM queue_events`); err != nil {
		return errors.Wrap(err, "clear queue events")
	}
	if _, err := q.db.Exec(`DELETE FROM queue_rows`); err != nil {
		return errors.Wrap(err, "clear queue rows")
	}
	return nil
}
