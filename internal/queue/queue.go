package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const maxStderrBytes = 64 * 1024

type Queue struct {
	db        *sql.DB
	dedupeTTL time.Duration
}

// New creates a queue over db. dedupeTTL bounds how long an accepted
// delivery suppresses duplicates with the same dedupe key; zero disables
// dedupe entirely.
func New(db *sql.DB, dedupeTTL time.Duration) *Queue {
	return &Queue{db: db, dedupeTTL: dedupeTTL}
}

// Enqueue persists a webhook delivery as a queued job. When the request
// carries a dedupe key and an earlier delivery with the same key on the same
// endpoint is still inside the dedupe window, no job is created and a
// DedupeDropError naming the existing job is returned.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if req.Endpoint == "" {
		return "", fmt.Errorf("endpoint is empty")
	}
	if req.Plugin == "" {
		return "", fmt.Errorf("plugin is empty")
	}
	if len(req.Event) == 0 {
		return "", fmt.Errorf("event is empty")
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	nowS := now.Format(time.RFC3339Nano)

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 4
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	dedupe := req.DedupeKey != nil && *req.DedupeKey != "" && q.dedupeTTL > 0
	if dedupe {
		cutoff := now.Add(-q.dedupeTTL).Format(time.RFC3339Nano)

		var existingID string
		err := tx.QueryRowContext(ctx, `
SELECT job_id FROM webhook_dedupe
WHERE endpoint = ? AND dedupe_key = ? AND first_seen > ?;
`, req.Endpoint, *req.DedupeKey, cutoff).Scan(&existingID)
		if err == nil {
			return "", &DedupeDropError{DedupeKey: *req.DedupeKey, ExistingJobID: existingID}
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("check dedupe: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO job_queue(
  id, endpoint, plugin, event, status, attempt, max_attempts, dedupe_key, created_at
)
VALUES(?, ?, ?, ?, ?, 1, ?, ?, ?);
`, id, req.Endpoint, req.Plugin, string(req.Event), StatusQueued, maxAttempts, req.DedupeKey, nowS)
	if err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}

	if dedupe {
		// Expired rows for the same key are replaced rather than pruned on a
		// schedule; Prune sweeps the rest.
		_, err = tx.ExecContext(ctx, `
INSERT INTO webhook_dedupe(endpoint, dedupe_key, job_id, first_seen)
VALUES(?, ?, ?, ?)
ON CONFLICT(endpoint, dedupe_key) DO UPDATE SET
  job_id = excluded.job_id,
  first_seen = excluded.first_seen;
`, req.Endpoint, *req.DedupeKey, id, nowS)
		if err != nil {
			return "", fmt.Errorf("record dedupe key: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit tx: %w", err)
	}
	return id, nil
}

// Dequeue claims the oldest queued job whose retry time has arrived and
// marks it running. Returns (nil, nil) if the queue is empty.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	nowS := time.Now().UTC().Format(time.RFC3339Nano)

	row := q.db.QueryRowContext(ctx, `
WITH next AS (
  SELECT id
  FROM job_queue
  WHERE status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)
  ORDER BY created_at ASC, rowid ASC
  LIMIT 1
)
UPDATE job_queue
SET status = ?, started_at = ?
WHERE id IN (SELECT id FROM next)
RETURNING
  id, endpoint, plugin, event, status, attempt, max_attempts, dedupe_key,
  created_at, started_at, completed_at, next_retry_at, last_error;
`, StatusQueued, nowS, StatusRunning, nowS)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue job: %w", err)
	}
	return j, nil
}

// Get loads a job by ID. Returns ErrJobNotFound when no such job exists.
func (q *Queue) Get(ctx context.Context, jobID string) (*Job, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is empty")
	}

	row := q.db.QueryRowContext(ctx, `
SELECT
  id, endpoint, plugin, event, status, attempt, max_attempts, dedupe_key,
  created_at, started_at, completed_at, next_retry_at, last_error
FROM job_queue
WHERE id = ?;
`, jobID)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	return j, nil
}

// Complete marks a job terminal and appends a row to job_log.
func (q *Queue) Complete(ctx context.Context, jobID string, status Status, lastError, stderr *string, durationMS int64) error {
	if jobID == "" {
		return fmt.Errorf("jobID is empty")
	}
	if status != StatusSucceeded && status != StatusFailed && status != StatusTimedOut && status != StatusDead {
		return fmt.Errorf("invalid terminal status: %q", status)
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		endpoint  string
		plugin    string
		attempt   int
		createdAt string
	)
	if err := tx.QueryRowContext(ctx, `
SELECT endpoint, plugin, attempt, created_at
FROM job_queue
WHERE id = ?;
`, jobID).Scan(&endpoint, &plugin, &attempt, &createdAt); err != nil {
		return fmt.Errorf("load job for completion: %w", err)
	}

	completedAt := time.Now().UTC().Format(time.RFC3339Nano)

	_, err = tx.ExecContext(ctx, `
UPDATE job_queue
SET status = ?, completed_at = ?, last_error = ?
WHERE id = ?;
`, status, completedAt, lastError, jobID)
	if err != nil {
		return fmt.Errorf("update job completion: %w", err)
	}

	if err := insertLogRecord(ctx, tx, jobID, endpoint, plugin, status, attempt, createdAt, completedAt, durationMS, lastError, stderr); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Requeue returns a running job to the queue for another attempt after
// nextRetryAt, bumping its attempt counter and recording the failed attempt
// in job_log.
func (q *Queue) Requeue(ctx context.Context, jobID string, nextRetryAt time.Time, lastError, stderr *string, durationMS int64) error {
	if jobID == "" {
		return fmt.Errorf("jobID is empty")
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		endpoint  string
		plugin    string
		attempt   int
		createdAt string
	)
	if err := tx.QueryRowContext(ctx, `
SELECT endpoint, plugin, attempt, created_at
FROM job_queue
WHERE id = ?;
`, jobID).Scan(&endpoint, &plugin, &attempt, &createdAt); err != nil {
		return fmt.Errorf("load job for requeue: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	retryAt := nextRetryAt.UTC().Format(time.RFC3339Nano)

	_, err = tx.ExecContext(ctx, `
UPDATE job_queue
SET status = ?, attempt = attempt + 1, started_at = NULL, next_retry_at = ?, last_error = ?
WHERE id = ?;
`, StatusQueued, retryAt, lastError, jobID)
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}

	if err := insertLogRecord(ctx, tx, jobID, endpoint, plugin, StatusFailed, attempt, createdAt, now, durationMS, lastError, stderr); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// ResetRunning returns jobs stranded in running state to the queue. Called
// once at boot; a crash mid-dispatch leaves rows behind that no dispatcher
// owns anymore.
func (q *Queue) ResetRunning(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
UPDATE job_queue
SET status = ?, started_at = NULL
WHERE status = ?;
`, StatusQueued, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("reset running jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountByStatus tallies jobs by status for status reporting.
func (q *Queue) CountByStatus(ctx context.Context) (Counts, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM job_queue GROUP BY status;`)
	if err != nil {
		return Counts{}, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	var c Counts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Counts{}, fmt.Errorf("scan count: %w", err)
		}
		switch Status(status) {
		case StatusQueued:
			c.Queued = n
		case StatusRunning:
			c.Running = n
		case StatusSucceeded:
			c.Succeeded = n
		case StatusTimedOut:
			c.TimedOut = n
		case StatusDead:
			c.Dead = n
		}
	}
	return c, rows.Err()
}

// RecentLogs returns the newest job_log rows, most recent first.
func (q *Queue) RecentLogs(ctx context.Context, limit int) ([]LogRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := q.db.QueryContext(ctx, `
SELECT id, job_id, endpoint, plugin, status, attempt, created_at, completed_at, duration_ms, last_error, stderr
FROM job_log
ORDER BY completed_at DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query job_log: %w", err)
	}
	defer rows.Close()

	return scanLogRecords(rows)
}

// Logs returns every attempt row for one job, oldest attempt first.
func (q *Queue) Logs(ctx context.Context, jobID string) ([]LogRecord, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT id, job_id, endpoint, plugin, status, attempt, created_at, completed_at, duration_ms, last_error, stderr
FROM job_log
WHERE job_id = ?
ORDER BY attempt ASC;
`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query job_log: %w", err)
	}
	defer rows.Close()

	return scanLogRecords(rows)
}

func scanLogRecords(rows *sql.Rows) ([]LogRecord, error) {
	var out []LogRecord
	for rows.Next() {
		var (
			rec         LogRecord
			statusS     string
			createdS    string
			completedS  string
			durationMS  sql.NullInt64
			lastError   sql.NullString
			stderrField sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.JobID, &rec.Endpoint, &rec.Plugin, &statusS, &rec.Attempt, &createdS, &completedS, &durationMS, &lastError, &stderrField); err != nil {
			return nil, fmt.Errorf("scan job_log: %w", err)
		}
		rec.Status = Status(statusS)
		if t, err := time.Parse(time.RFC3339Nano, createdS); err == nil {
			rec.CreatedAt = t
		}
		if t, err := time.Parse(time.RFC3339Nano, completedS); err == nil {
			rec.CompletedAt = t
		}
		if durationMS.Valid {
			rec.DurationMS = durationMS.Int64
		}
		if lastError.Valid {
			rec.LastError = &lastError.String
		}
		if stderrField.Valid {
			rec.Stderr = &stderrField.String
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Prune removes terminal jobs and log rows older than retention, plus
// dedupe entries older than the dedupe window.
func (q *Queue) Prune(ctx context.Context, retention time.Duration) error {
	now := time.Now().UTC()

	if retention > 0 {
		cutoff := now.Add(-retention).Format(time.RFC3339Nano)
		if _, err := q.db.ExecContext(ctx, `
DELETE FROM job_queue
WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?;
`, StatusSucceeded, StatusTimedOut, StatusDead, cutoff); err != nil {
			return fmt.Errorf("prune job_queue: %w", err)
		}
		if _, err := q.db.ExecContext(ctx, `DELETE FROM job_log WHERE completed_at < ?;`, cutoff); err != nil {
			return fmt.Errorf("prune job_log: %w", err)
		}
	}

	if q.dedupeTTL > 0 {
		cutoff := now.Add(-q.dedupeTTL).Format(time.RFC3339Nano)
		if _, err := q.db.ExecContext(ctx, `DELETE FROM webhook_dedupe WHERE first_seen < ?;`, cutoff); err != nil {
			return fmt.Errorf("prune webhook_dedupe: %w", err)
		}
	}

	return nil
}

func insertLogRecord(ctx context.Context, tx *sql.Tx, jobID, endpoint, plugin string, status Status, attempt int, createdAt, completedAt string, durationMS int64, lastError, stderr *string) error {
	logID := fmt.Sprintf("%s-%d", jobID, attempt)

	var stderrVal any
	if stderr != nil {
		s := *stderr
		if len(s) > maxStderrBytes {
			s = s[:maxStderrBytes]
		}
		stderrVal = s
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO job_log(
  id, job_id, endpoint, plugin, status, attempt, created_at, completed_at, duration_ms, last_error, stderr
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, logID, jobID, endpoint, plugin, status, attempt, createdAt, completedAt, durationMS, lastError, stderrVal); err != nil {
		return fmt.Errorf("insert job_log: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j            Job
		event        string
		statusS      string
		dedupeKey    sql.NullString
		createdAtS   string
		startedAtS   sql.NullString
		completedAtS sql.NullString
		nextRetryAtS sql.NullString
		lastError    sql.NullString
	)
	err := row.Scan(
		&j.ID, &j.Endpoint, &j.Plugin, &event, &statusS, &j.Attempt, &j.MaxAttempts, &dedupeKey,
		&createdAtS, &startedAtS, &completedAtS, &nextRetryAtS, &lastError,
	)
	if err != nil {
		return nil, err
	}

	j.Event = []byte(event)
	j.Status = Status(statusS)
	if dedupeKey.Valid {
		j.DedupeKey = &dedupeKey.String
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		j.CreatedAt = t
	}
	if startedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, startedAtS.String); err == nil {
			j.StartedAt = &t
		}
	}
	if completedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completedAtS.String); err == nil {
			j.CompletedAt = &t
		}
	}
	if nextRetryAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, nextRetryAtS.String); err == nil {
			j.NextRetryAt = &t
		}
	}
	if lastError.Valid {
		j.LastError = &lastError.String
	}
	return &j, nil
}
