package postgresql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"assistant-jobqueue/internal/backoff"
	"assistant-jobqueue/internal/entity"
	"assistant-jobqueue/internal/repository"
)

const jobColumns = `id, owner, job_type, status, input, output, error, priority,
	retry_count, max_retries, scheduled_for, expires_at,
	claimed_at, started_at, completed_at, created_at, updated_at`

type JobRepository struct {
	pool *pgxpool.Pool
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

func (r *JobRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *JobRepository) Insert(ctx context.Context, j *entity.Job) error {
	if len(j.Input) == 0 {
		j.Input = json.RawMessage(`{}`)
	}

	const q = `
INSERT INTO jobs (id, owner, job_type, status, input, priority, retry_count, max_retries,
                  scheduled_for, expires_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12);
`
	_, err := r.pool.Exec(ctx, q,
		j.ID, j.Owner, j.Type, string(j.Status), j.Input, j.Priority, j.RetryCount, j.MaxRetries,
		j.ScheduledFor, j.ExpiresAt, j.CreatedAt, j.UpdatedAt,
	)
	return err
}

func (r *JobRepository) GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1;`

	j, err := scanJob(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return j, nil
}

// ClaimNext moves the best eligible pending job to claimed. FOR UPDATE SKIP
// LOCKED lets concurrent claimers pass over rows another transaction is
// claiming, so no two callers ever get the same row and none of them waits.
func (r *JobRepository) ClaimNext(ctx context.Context, jobTypes []string, now time.Time) (*entity.Job, error) {
	args := []any{now}
	typeFilter := ""
	if len(jobTypes) > 0 {
		typeFilter = "AND job_type = ANY($2)"
		args = append(args, jobTypes)
	}

	q := `
UPDATE jobs
   SET status = 'claimed', claimed_at = $1, updated_at = $1
 WHERE id = (
        SELECT id FROM jobs
         WHERE status = 'pending'
           AND scheduled_for <= $1
           AND (expires_at IS NULL OR expires_at > $1)
           ` + typeFilter + `
         ORDER BY priority DESC, scheduled_for ASC
         FOR UPDATE SKIP LOCKED
         LIMIT 1
       )
RETURNING ` + jobColumns + `;`

	j, err := scanJob(r.pool.QueryRow(ctx, q, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return j, nil
}

func (r *JobRepository) MarkRunning(ctx context.Context, id uuid.UUID, now time.Time) error {
	const q = `
UPDATE jobs SET status = 'running', started_at = $2, updated_at = $2
 WHERE id = $1 AND status = 'claimed';
`
	tag, err := r.pool.Exec(ctx, q, id, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.transitionError(ctx, id, entity.StatusRunning)
	}
	return nil
}

// Complete stores output on a running job. A non-nil claimedAt fences the
// update to the attempt that claimed the job at that instant.
func (r *JobRepository) Complete(ctx context.Context, id uuid.UUID, claimedAt *time.Time, output json.RawMessage, now time.Time) error {
	if len(output) == 0 {
		output = json.RawMessage(`{}`)
	}
	const q = `
UPDATE jobs SET status = 'complete', output = $2, completed_at = $3, updated_at = $3
 WHERE id = $1 AND status = 'running'
   AND ($4::timestamptz IS NULL OR claimed_at = $4);
`
	tag, err := r.pool.Exec(ctx, q, id, output, now, claimedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.transitionError(ctx, id, entity.StatusComplete)
	}
	return nil
}

// Fail applies the failure transition to a held job under a row lock and
// returns the updated row. claimedAt fences it like Complete.
func (r *JobRepository) Fail(ctx context.Context, id uuid.UUID, claimedAt *time.Time, errText string, retry bool, now time.Time, bo backoff.Strategy) (*entity.Job, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1 FOR UPDATE;`
	j, err := scanJob(tx.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return j, nil
}

// ExpireStale fails every held job claimed before cutoff. Rows locked by a
// concurrent Fail are skipped; they are being resolved already.
func (r *JobRepository) ExpireStale(ctx context.Context, cutoff, now time.Time, bo backoff.Strategy) ([]*entity.Job, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `
SELECT ` + jobColumns + `
  FROM jobs
 WHERE status IN ('claimed', 'running')
   AND claimed_at < $1
 ORDER BY claimed_at ASC
 FOR UPDATE SKIP LOCKED;`

	rows, err := tx.Query(ctx, q, cutoff)
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

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return jobs, nil
}

func saveFailure(ctx context.Context, tx pgx.Tx, j *entity.Job) error {
	const q = `
UPDATE jobs
   SET status = $2, error = $3, retry_count = $4, scheduled_for = $5,
       claimed_at = $6, started_at = $7, completed_at = $8, updated_at = $9
 WHERE id = $1;
`
	_, err := tx.Exec(ctx, q,
		j.ID, string(j.Status), j.Error, j.RetryCount, j.ScheduledFor,
		j.ClaimedAt, j.StartedAt, j.CompletedAt, j.UpdatedAt,
	)
	return err
}

// transitionError explains why a guarded UPDATE matched no row.
func (r *JobRepository) transitionError(ctx context.Context, id uuid.UUID, to entity.JobStatus) error {
	var status string
	err := r.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1;`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		return err
	}
	return fmt.Errorf("job %s: %s -> %s: %w", id, status, to, entity.ErrInvalidTransition)
}

func scanJob(row pgx.Row) (*entity.Job, error) {
	var (
		job         entity.Job
		statusText  string
		inputBytes  []byte
		outputBytes []byte
	)

	if err := row.Scan(
		&job.ID,
		&job.Owner,
		&job.Type,
		&statusText,
		&inputBytes,
		&outputBytes, // NULL => nil
		&job.Error,   // NULL => nil
		&job.Priority,
		&job.RetryCount,
		&job.MaxRetries,
		&job.ScheduledFor,
		&job.ExpiresAt,
		&job.ClaimedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}

	job.Status = entity.JobStatus(strings.TrimSpace(statusText))
	job.Input = json.RawMessage(inputBytes)
	if outputBytes != nil {
		job.Output = json.RawMessage(outputBytes)
	}
	return &job, nil
}

func collectJobs(rows pgx.Rows) ([]*entity.Job, error) {
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
