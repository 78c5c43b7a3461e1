// Package sqlite is an embedded job store for single-process deployments and
// tests. SQLite serializes writers, so every guarded UPDATE and every
// read-modify-write transaction here is atomic without row locks.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"assistant-jobqueue/internal/backoff"
	"assistant-jobqueue/internal/entity"
	"assistant-jobqueue/internal/repository"
)

const jobColumns = `id, owner, job_type, status, input, output, error, priority,
	retry_count, max_retries, scheduled_for, expires_at,
	claimed_at, started_at, completed_at, created_at, updated_at`

type JobRepository struct {
	db *sql.DB
}

func NewJobRepository(db *sql.DB) *JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *JobRepository) Insert(ctx context.Context, j *entity.Job) error {
	if len(j.Input) == 0 {
		j.Input = json.RawMessage(`{}`)
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO jobs (id, owner, job_type, status, input, priority, retry_count, max_retries,
                  scheduled_for, expires_at, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID.String(), j.Owner.String(), j.Type, string(j.Status), string(j.Input),
		j.Priority, j.RetryCount, j.MaxRetries,
		micros(j.ScheduledFor), nullMicros(j.ExpiresAt), micros(j.CreatedAt), micros(j.UpdatedAt),
	)
	return err
}

func (r *JobRepository) GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id.String())
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return j, nil
}

// ClaimNext picks and claims the best eligible row in one statement.
func (r *JobRepository) ClaimNext(ctx context.Context, jobTypes []string, now time.Time) (*entity.Job, error) {
	ts := micros(now)
	args := []any{ts, ts, ts, ts}

	typeFilter := ""
	if len(jobTypes) > 0 {
		typeFilter = "AND job_type IN (" + strings.TrimSuffix(strings.Repeat("?, ", len(jobTypes)), ", ") + ")"
		for _, t := range jobTypes {
			args = append(args, t)
		}
	}

	q := `
UPDATE jobs
   SET status = 'claimed', claimed_at = ?, updated_at = ?
 WHERE id = (
        SELECT id FROM jobs
         WHERE status = 'pending'
           AND scheduled_for <= ?
           AND (expires_at IS NULL OR expires_at > ?)
           ` + typeFilter + `
         ORDER BY priority DESC, scheduled_for ASC
         LIMIT 1
       )
RETURNING ` + jobColumns

	j, err := scanJob(r.db.QueryRowContext(ctx, q, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return j, nil
}

func (r *JobRepository) MarkRunning(ctx context.Context, id uuid.UUID, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE jobs SET status = 'running', started_at = ?, updated_at = ?
 WHERE id = ? AND status = 'claimed'`,
		micros(now), micros(now), id.String(),
	)
	if err != nil {
		return err
	}
	return r.checkTransition(ctx, res, id, entity.StatusRunning)
}

// Complete stores output on a running job. A non-nil claimedAt fences the
// update to the attempt that claimed the job at that instant.
func (r *JobRepository) Complete(ctx context.Context, id uuid.UUID, claimedAt *time.Time, output json.RawMessage, now time.Time) error {
	if len(output) == 0 {
		output = json.RawMessage(`{}`)
	}
	fence := nullMicros(claimedAt)
	res, err := r.db.ExecContext(ctx, `
UPDATE jobs SET status = 'complete', output = ?, completed_at = ?, updated_at = ?
 WHERE id = ? AND status = 'running'
   AND (? IS NULL OR claimed_at = ?)`,
		string(output), micros(now), micros(now), id.String(), fence, fence,
	)
	if err != nil {
		return err
	}
	return r.checkTransition(ctx, res, id, entity.StatusComplete)
}

func (r *JobRepository) Fail(ctx context.Context, id uuid.UUID, claimedAt *time.Time, errText string, retry bool, now time.Time, bo backoff.Strategy) (*entity.Job, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	j, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}

	if !j.ClaimedBy(claimedAt) {
		return nil, fmt.Errorf("fail job %s: claim superseded (status %s): %w", id, j.Status, entity.ErrInvalidTransition)
	}
	if _, err := j.ApplyFailure(errText, retry, now, bo); err != nil {
		return nil, fmt.Errorf("fail job %s from status %s: %w", id, j.Status, err)
	}
	if err := saveFailure(ctx, tx, j); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return j, nil
}

func (r *JobRepository) ExpireStale(ctx context.Context, cutoff, now time.Time, bo backoff.Strategy) ([]*entity.Job, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
SELECT `+jobColumns+`
  FROM jobs
 WHERE status IN ('claimed', 'running')
   AND claimed_at < ?
 ORDER BY claimed_at ASC`, micros(cutoff))
	if err != nil {
		return nil, err
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}

	for _, j := range jobs {
		if _, err := j.ApplyFailure(repository.StaleJobError, true, now, bo); err != nil {
			return nil, fmt.Errorf("expire job %s: %w", j.ID, err)
		}
		if err := saveFailure(ctx, tx, j); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return jobs, nil
}

func saveFailure(ctx context.Context, tx *sql.Tx, j *entity.Job) error {
	_, err := tx.ExecContext(ctx, `
UPDATE jobs
   SET status = ?, error = ?, retry_count = ?, scheduled_for = ?,
       claimed_at = ?, started_at = ?, completed_at = ?, updated_at = ?
 WHERE id = ?`,
		string(j.Status), j.Error, j.RetryCount, micros(j.ScheduledFor),
		nullMicros(j.ClaimedAt), nullMicros(j.StartedAt), nullMicros(j.CompletedAt), micros(j.UpdatedAt),
		j.ID.String(),
	)
	return err
}

func (r *JobRepository) checkTransition(ctx context.Context, res sql.Result, id uuid.UUID, to entity.JobStatus) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var status string
	err = r.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id.String()).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return repository.ErrNotFound
		}
		return err
	}
	return fmt.Errorf("job %s: %s -> %s: %w", id, status, to, entity.ErrInvalidTransition)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*entity.Job, error) {
	var (
		job                                     entity.Job
		idText, ownerText, statusText, input    string
		output, errText                         sql.NullString
		scheduledFor, createdAt, updatedAt      int64
		expiresAt, claimedAt, startedAt, doneAt sql.NullInt64
	)

	if err := row.Scan(
		&idText, &ownerText, &job.Type, &statusText, &input, &output, &errText,
		&job.Priority, &job.RetryCount, &job.MaxRetries,
		&scheduledFor, &expiresAt, &claimedAt, &startedAt, &doneAt, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	var err error
	if job.ID, err = uuid.Parse(idText); err != nil {
		return nil, fmt.Errorf("parse job id %q: %w", idText, err)
	}
	if job.Owner, err = uuid.Parse(ownerText); err != nil {
		return nil, fmt.Errorf("parse owner %q: %w", ownerText, err)
	}

	job.Status = entity.JobStatus(statusText)
	job.Input = json.RawMessage(input)
	if output.Valid {
		job.Output = json.RawMessage(output.String)
	}
	if errText.Valid {
		job.Error = &errText.String
	}
	job.ScheduledFor = fromMicros(scheduledFor)
	job.ExpiresAt = fromNullMicros(expiresAt)
	job.ClaimedAt = fromNullMicros(claimedAt)
	job.StartedAt = fromNullMicros(startedAt)
	job.CompletedAt = fromNullMicros(doneAt)
	job.CreatedAt = fromMicros(createdAt)
	job.UpdatedAt = fromMicros(updatedAt)
	return &job, nil
}

func collectJobs(rows *sql.Rows) ([]*entity.Job, error) {
	defer rows.Close()

	var jobs []*entity.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

func micros(t time.Time) int64 { return t.UnixMicro() }

func nullMicros(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMicro()
}

func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }

func fromNullMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMicros(v.Int64)
	return &t
}
