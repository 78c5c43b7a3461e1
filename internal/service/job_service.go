package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"assistant-jobqueue/internal/backoff"
	"assistant-jobqueue/internal/entity"
	"assistant-jobqueue/internal/telemetry"
)

const (
	DefaultMaxRetries = 3
	// DefaultStaleAfter is how long a job may stay claimed or running before
	// it is presumed abandoned by a crashed worker.
	DefaultStaleAfter = 30 * time.Minute
)

var jobTypePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.:-]{0,127}$`)

// JobRepository is the job store port (implementations: postgresql.JobRepository,
// sqlite.JobRepository). Every method must be atomic against concurrent callers.
type JobRepository interface {
	Insert(ctx context.Context, j *entity.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error)
	ClaimNext(ctx context.Context, jobTypes []string, now time.Time) (*entity.Job, error)
	MarkRunning(ctx context.Context, id uuid.UUID, now time.Time) error
	// Complete and Fail only touch the attempt claimed at claimedAt when it is
	// non-nil; nil accepts any holder.
	Complete(ctx context.Context, id uuid.UUID, claimedAt *time.Time, output json.RawMessage, now time.Time) error
	Fail(ctx context.Context, id uuid.UUID, claimedAt *time.Time, errText string, retry bool, now time.Time, bo backoff.Strategy) (*entity.Job, error)
	ExpireStale(ctx context.Context, cutoff, now time.Time, bo backoff.Strategy) ([]*entity.Job, error)
}

// JobService is the only component that mutates jobs. Producers use Create;
// runners use the claim/complete/fail lifecycle.
type JobService struct {
	repo       JobRepository
	notifier   Notifier
	backoff    backoff.Strategy
	staleAfter time.Duration
	now        func() time.Time
	logger     *zap.Logger
	metrics    *telemetry.Metrics
}

type Option func(*JobService)

// WithNotifier signals idle runners whenever a job is created.
func WithNotifier(n Notifier) Option { return func(s *JobService) { s.notifier = n } }

func WithBackoff(bo backoff.Strategy) Option { return func(s *JobService) { s.backoff = bo } }

func WithStaleAfter(d time.Duration) Option { return func(s *JobService) { s.staleAfter = d } }

func WithClock(now func() time.Time) Option { return func(s *JobService) { s.now = now } }

func WithMetrics(m *telemetry.Metrics) Option { return func(s *JobService) { s.metrics = m } }

func NewJobService(repo JobRepository, logger *zap.Logger, opts ...Option) *JobService {
	s := &JobService{
		repo:       repo,
		backoff:    backoff.Default(),
		staleAfter: DefaultStaleAfter,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger,
		metrics:    telemetry.NoopMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type CreateJobRequest struct {
	Type  string
	Owner uuid.UUID
	Input json.RawMessage
	// Priority orders claiming; higher first.
	Priority int
	// MaxRetries defaults to DefaultMaxRetries when nil.
	MaxRetries *int
	// ScheduledFor defaults to now when zero.
	ScheduledFor time.Time
	ExpiresAt    *time.Time
}

func (r CreateJobRequest) validate() error {
	if !jobTypePattern.MatchString(r.Type) {
		return fmt.Errorf("%w: job type %q", ErrInvalidArgument, r.Type)
	}
	if r.Owner == uuid.Nil {
		return fmt.Errorf("%w: owner is required", ErrInvalidArgument)
	}
	if r.MaxRetries != nil && *r.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must not be negative", ErrInvalidArgument)
	}
	if len(r.Input) > 0 && !json.Valid(r.Input) {
		return fmt.Errorf("%w: input is not valid json", ErrInvalidArgument)
	}
	return nil
}

// CreateJob inserts a pending job and returns its id. The input is stored
// as given; only the handler for the job type interprets it.
func (s *JobService) CreateJob(ctx context.Context, req CreateJobRequest) (uuid.UUID, error) {
	if err := req.validate(); err != nil {
		return uuid.Nil, err
	}

	now := s.now()
	j := &entity.Job{
		ID:           uuid.New(),
		Owner:        req.Owner,
		Type:         req.Type,
		Status:       entity.StatusPending,
		Input:        req.Input,
		Priority:     req.Priority,
		MaxRetries:   DefaultMaxRetries,
		ScheduledFor: req.ScheduledFor,
		ExpiresAt:    req.ExpiresAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if len(j.Input) == 0 {
		j.Input = json.RawMessage(`{}`)
	}
	if req.MaxRetries != nil {
		j.MaxRetries = *req.MaxRetries
	}
	if j.ScheduledFor.IsZero() {
		j.ScheduledFor = now
	}

	if err := s.repo.Insert(ctx, j); err != nil {
		return uuid.Nil, storeErr("create job", err)
	}
	s.metrics.JobCreated(ctx, j.Type)

	if s.notifier != nil && !j.ScheduledFor.After(now) {
		if err := s.notifier.Notify(ctx); err != nil {
			s.logger.Warn("wakeup notify failed", zap.String("job_id", j.ID.String()), zap.Error(err))
		}
	}

	s.logger.Debug("job created",
		zap.String("job_id", j.ID.String()),
		zap.String("type", j.Type),
		zap.Int("priority", j.Priority),
		zap.Time("scheduled_for", j.ScheduledFor),
	)
	return j.ID, nil
}

func (s *JobService) GetJob(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	j, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, storeErr("get job", err)
	}
	return j, nil
}

// ClaimNext claims the best eligible pending job, optionally restricted to
// jobTypes. It returns nil, nil when nothing is eligible.
func (s *JobService) ClaimNext(ctx context.Context, jobTypes []string) (*entity.Job, error) {
	j, err := s.repo.ClaimNext(ctx, jobTypes, s.now())
	if err != nil {
		return nil, storeErr("claim next", err)
	}
	if j != nil {
		s.metrics.JobClaimed(ctx, j.Type)
	}
	return j, nil
}

// MarkRunning moves a claimed job to running. Any other starting state is a
// caller bug; it is logged and reported.
func (s *JobService) MarkRunning(ctx context.Context, id uuid.UUID) error {
	if err := s.repo.MarkRunning(ctx, id, s.now()); err != nil {
		if errors.Is(err, entity.ErrInvalidTransition) {
			s.logger.Warn("mark running on job not in claimed state",
				zap.String("job_id", id.String()), zap.Error(err))
		}
		return storeErr("mark running", err)
	}
	return nil
}

// Complete stores output (a JSON document, {} when empty) on a running job.
func (s *JobService) Complete(ctx context.Context, id uuid.UUID, output json.RawMessage) error {
	return s.complete(ctx, id, nil, output)
}

// CompleteAttempt is Complete restricted to the attempt that claimed j. Once
// the job was expired and claimed again, the old attempt gets
// entity.ErrInvalidTransition instead of overwriting the new one.
func (s *JobService) CompleteAttempt(ctx context.Context, j *entity.Job, output json.RawMessage) error {
	return s.complete(ctx, j.ID, j.ClaimedAt, output)
}

func (s *JobService) complete(ctx context.Context, id uuid.UUID, claimedAt *time.Time, output json.RawMessage) error {
	if len(output) > 0 && !json.Valid(output) {
		return fmt.Errorf("%w: output is not valid json", ErrInvalidArgument)
	}
	if err := s.repo.Complete(ctx, id, claimedAt, output, s.now()); err != nil {
		return storeErr("complete job", err)
	}
	return nil
}

// Fail records errText on a held job. With shouldRetry and budget left the
// job returns to pending after the backoff delay; otherwise it fails for good.
func (s *JobService) Fail(ctx context.Context, id uuid.UUID, errText string, shouldRetry bool) (*entity.Job, error) {
	return s.fail(ctx, id, nil, errText, shouldRetry)
}

// FailAttempt is Fail restricted to the attempt that claimed j.
func (s *JobService) FailAttempt(ctx context.Context, j *entity.Job, errText string, shouldRetry bool) (*entity.Job, error) {
	return s.fail(ctx, j.ID, j.ClaimedAt, errText, shouldRetry)
}

func (s *JobService) fail(ctx context.Context, id uuid.UUID, claimedAt *time.Time, errText string, shouldRetry bool) (*entity.Job, error) {
	j, err := s.repo.Fail(ctx, id, claimedAt, errText, shouldRetry, s.now(), s.backoff)
	if err != nil {
		return nil, storeErr("fail job", err)
	}
	s.metrics.JobFailed(ctx, j.Type, j.Status == entity.StatusPending)
	return j, nil
}

// ExpireStale fails every job held longer than the staleness window with a
// retryable error and returns how many were affected.
func (s *JobService) ExpireStale(ctx context.Context) (int, error) {
	now := s.now()
	jobs, err := s.repo.ExpireStale(ctx, now.Add(-s.staleAfter), now, s.backoff)
	if err != nil {
		return 0, storeErr("expire stale", err)
	}

	for _, j := range jobs {
		s.logger.Warn("stale job expired",
			zap.String("job_id", j.ID.String()),
			zap.String("type", j.Type),
			zap.String("status", string(j.Status)),
			zap.Int("retry_count", j.RetryCount),
		)
	}
	if len(jobs) > 0 {
		s.metrics.JobsExpired(ctx, len(jobs))
	}
	return len(jobs), nil
}
