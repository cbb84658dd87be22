// Package ledger records job and archive lifecycles in SQLite.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const maxStderrBytes = 64 * 1024

type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

func (l *Ledger) timestamp() string {
	return l.now().UTC().Format(time.RFC3339Nano)
}

// Record inserts a pending job. Recording the same owner/id twice fails.
func (l *Ledger) Record(ctx context.Context, owner, jobID, runDir string) error {
	if owner == "" {
		return fmt.Errorf("owner is empty")
	}
	if jobID == "" {
		return fmt.Errorf("jobID is empty")
	}

	_, err := l.db.ExecContext(ctx, `
INSERT INTO jobs(id, owner, status, run_dir, created_at)
VALUES(?, ?, ?, ?, ?);
`, jobID, owner, StatusPending, runDir, l.timestamp())
	if err != nil {
		return fmt.Errorf("record job: %w", err)
	}
	return nil
}

// Start moves a pending job to running and records its final run dir.
func (l *Ledger) Start(ctx context.Context, owner, jobID, runDir string) error {
	res, err := l.db.ExecContext(ctx, `
UPDATE jobs
SET status = ?, started_at = ?, run_dir = ?
WHERE owner = ? AND id = ? AND status = ?;
`, StatusRunning, l.timestamp(), runDir, owner, jobID, StatusPending)
	if err != nil {
		return fmt.Errorf("start job: %w", err)
	}
	return expectOne(res, ErrJobNotFound)
}

// Complete marks a job terminal from the tool's exit code. stderr is capped.
func (l *Ledger) Complete(ctx context.Context, owner, jobID string, exitCode int, stderr string) error {
	status := StatusSucceeded
	var lastError any
	if exitCode != 0 {
		status = StatusFailed
		lastError = fmt.Sprintf("tool exited with code %d", exitCode)
	}
	if len(stderr) > maxStderrBytes {
		stderr = stderr[:maxStderrBytes]
	}

	res, err := l.db.ExecContext(ctx, `
UPDATE jobs
SET status = ?, exit_code = ?, completed_at = ?, last_error = ?, stderr = ?
WHERE owner = ? AND id = ?;
`, status, exitCode, l.timestamp(), lastError, stderr, owner, jobID)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return expectOne(res, ErrJobNotFound)
}

// Fail marks a job failed for a reason other than the tool's exit status.
func (l *Ledger) Fail(ctx context.Context, owner, jobID string, cause error) error {
	msg := "unknown failure"
	if cause != nil {
		msg = cause.Error()
	}
	res, err := l.db.ExecContext(ctx, `
UPDATE jobs
SET status = ?, completed_at = ?, last_error = ?
WHERE owner = ? AND id = ?;
`, StatusFailed, l.timestamp(), msg, owner, jobID)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return expectOne(res, ErrJobNotFound)
}

// Get loads one job.
func (l *Ledger) Get(ctx context.Context, owner, jobID string) (*Job, error) {
	row := l.db.QueryRowContext(ctx, `
SELECT id, owner, status, run_dir, exit_code, created_at, started_at, completed_at, last_error, stderr
FROM jobs
WHERE owner = ? AND id = ?;
`, owner, jobID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// List returns an owner's jobs, newest first. limit <= 0 means no limit.
func (l *Ledger) List(ctx context.Context, owner string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := l.db.QueryContext(ctx, `
SELECT id, owner, status, run_dir, exit_code, created_at, started_at, completed_at, last_error, stderr
FROM jobs
WHERE owner = ?
ORDER BY id DESC
LIMIT ?;
`, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

// Interrupted returns jobs that never reached a terminal state, oldest
// first. With a single server per state directory these can only be left
// over from a process that died mid-run.
func (l *Ledger) Interrupted(ctx context.Context) ([]Job, error) {
	rows, err := l.db.QueryContext(ctx, `
SELECT id, owner, status, run_dir, exit_code, created_at, started_at, completed_at, last_error, stderr
FROM jobs
WHERE status IN (?, ?)
ORDER BY id ASC;
`, StatusPending, StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("find interrupted jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// EnqueueArchive records a queued archive task and returns its id.
func (l *Ledger) EnqueueArchive(ctx context.Context, owner, jobID, path string) (string, error) {
	id := uuid.NewString()
	_, err := l.db.ExecContext(ctx, `
INSERT INTO archive_tasks(id, job_id, owner, status, path, created_at)
VALUES(?, ?, ?, ?, ?, ?);
`, id, jobID, owner, ArchiveQueued, path, l.timestamp())
	if err != nil {
		return "", fmt.Errorf("enqueue archive: %w", err)
	}
	return id, nil
}

// FinishArchive marks an archive task terminal.
func (l *Ledger) FinishArchive(ctx context.Context, taskID string, status ArchiveStatus, cause error) error {
	if status != ArchiveCompleted && status != ArchiveFailed {
		return fmt.Errorf("invalid terminal archive status: %q", status)
	}
	var lastError any
	if cause != nil {
		lastError = cause.Error()
	}
	res, err := l.db.ExecContext(ctx, `
UPDATE archive_tasks
SET status = ?, completed_at = ?, last_error = ?
WHERE id = ?;
`, status, l.timestamp(), lastError, taskID)
	if err != nil {
		return fmt.Errorf("finish archive: %w", err)
	}
	return expectOne(res, ErrArchiveNotFound)
}

// LatestArchive returns the most recent archive task for a job.
func (l *Ledger) LatestArchive(ctx context.Context, owner, jobID string) (*ArchiveTask, error) {
	var (
		t            ArchiveTask
		statusS      string
		createdAtS   string
		completedAtS sql.NullString
		lastError    sql.NullString
	)
	err := l.db.QueryRowContext(ctx, `
SELECT id, job_id, owner, status, path, created_at, completed_at, last_error
FROM archive_tasks
WHERE owner = ? AND job_id = ?
ORDER BY rowid DESC
LIMIT 1;
`, owner, jobID).Scan(&t.ID, &t.JobID, &t.Owner, &statusS, &t.Path, &createdAtS, &completedAtS, &lastError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrArchiveNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest archive: %w", err)
	}

	t.Status = ArchiveStatus(statusS)
	t.CreatedAt = parseTime(createdAtS)
	t.CompletedAt = parseNullTime(completedAtS)
	if lastError.Valid {
		t.LastError = &lastError.String
	}
	return &t, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*Job, error) {
	var (
		j            Job
		statusS      string
		exitCode     sql.NullInt64
		createdAtS   string
		startedAtS   sql.NullString
		completedAtS sql.NullString
		lastError    sql.NullString
		stderr       sql.NullString
	)
	if err := s.Scan(&j.ID, &j.Owner, &statusS, &j.RunDir, &exitCode,
		&createdAtS, &startedAtS, &completedAtS, &lastError, &stderr); err != nil {
		return nil, err
	}

	j.Status = Status(statusS)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		j.ExitCode = &code
	}
	j.CreatedAt = parseTime(createdAtS)
	j.StartedAt = parseNullTime(startedAtS)
	j.CompletedAt = parseNullTime(completedAtS)
	if lastError.Valid {
		j.LastError = &lastError.String
	}
	if stderr.Valid {
		j.Stderr = &stderr.String
	}
	return &j, nil
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func expectOne(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
