package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"assistant-jobqueue/internal/backoff"
	"assistant-jobqueue/internal/entity"
	"assistant-jobqueue/internal/service"
	"assistant-jobqueue/internal/telemetry"
)

// Queue is the part of service.JobService a runner drives. Outcomes are
// reported per attempt so a runner whose job was expired and claimed again
// cannot settle the newer attempt.
type Queue interface {
	ClaimNext(ctx context.Context, jobTypes []string) (*entity.Job, error)
	MarkRunning(ctx context.Context, id uuid.UUID) error
	CompleteAttempt(ctx context.Context, job *entity.Job, output json.RawMessage) error
	FailAttempt(ctx context.Context, job *entity.Job, errText string, shouldRetry bool) (*entity.Job, error)
	ExpireStale(ctx context.Context) (int, error)
}

type Config struct {
	// PollInterval is the idle wait when no job is eligible.
	PollInterval time.Duration
	// StaleCheckInterval spaces ExpireStale calls.
	StaleCheckInterval time.Duration
	// MaxStoreErrors consecutive store failures make Run give up; 0 never gives up.
	MaxStoreErrors int
	// StoreErrorBackoff spaces retries after store failures.
	StoreErrorBackoff backoff.Strategy
	// AckTimeout bounds the status update after a handler returns.
	AckTimeout time.Duration
	// AllTypes claims jobs of any type, failing the unhandled ones, instead
	// of only the registered types.
	AllTypes bool
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.StaleCheckInterval <= 0 {
		c.StaleCheckInterval = 5 * time.Minute
	}
	if c.StoreErrorBackoff == nil {
		c.StoreErrorBackoff = backoff.NewExponential(time.Second, time.Minute)
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 10 * time.Second
	}
	return c
}

// Runner is a single-consumer dispatch loop: it claims one job at a time,
// runs its handler and reports the outcome. Scale out by running more
// runners; claim atomicity keeps them from sharing a job.
type Runner struct {
	name     string
	queue    Queue
	registry *Registry
	cfg      Config
	wakeup   service.Wakeup
	now      func() time.Time
	logger   *zap.Logger
	metrics  *telemetry.Metrics
	tracer   trace.Tracer

	lastStaleCheck time.Time
	storeErrors    int
}

type RunnerOption func(*Runner)

func WithWakeup(w service.Wakeup) RunnerOption { return func(r *Runner) { r.wakeup = w } }

func WithClock(now func() time.Time) RunnerOption { return func(r *Runner) { r.now = now } }

func WithMetrics(m *telemetry.Metrics) RunnerOption { return func(r *Runner) { r.metrics = m } }

func WithTracer(t trace.Tracer) RunnerOption { return func(r *Runner) { r.tracer = t } }

func NewRunner(name string, queue Queue, registry *Registry, cfg Config, logger *zap.Logger, opts ...RunnerOption) *Runner {
	r := &Runner{
		name:     name,
		queue:    queue,
		registry: registry,
		cfg:      cfg.withDefaults(),
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With(zap.String("runner", name)),
		metrics:  telemetry.NoopMetrics(),
		tracer:   otel.Tracer(telemetry.ServiceName + "/worker"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run loops until ctx is cancelled. It returns an error only when the job
// store kept failing MaxStoreErrors times in a row.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("runner started",
		zap.Strings("types", r.registry.Types()),
		zap.Bool("all_types", r.cfg.AllTypes),
		zap.Duration("poll_interval", r.cfg.PollInterval),
	)
	defer r.logger.Info("runner stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		dispatched, err := r.Tick(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.storeErrors++
			if r.cfg.MaxStoreErrors > 0 && r.storeErrors >= r.cfg.MaxStoreErrors {
				return fmt.Errorf("runner %s: %d consecutive store errors: %w", r.name, r.storeErrors, err)
			}
			delay := r.cfg.StoreErrorBackoff.Delay(r.storeErrors - 1)
			r.logger.Error("job store error, backing off",
				zap.Int("consecutive", r.storeErrors),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
			sleep(ctx, delay)
			continue
		}
		r.storeErrors = 0

		if !dispatched {
			r.idle(ctx)
		}
	}
}

// Tick runs one iteration of the loop: a stale sweep when one is due, then
// at most one claimed job. It reports whether a job was dispatched. Errors
// are job store failures; handler failures are recorded on the job.
func (r *Runner) Tick(ctx context.Context) (bool, error) {
	if err := r.maybeExpireStale(ctx); err != nil {
		return false, err
	}

	var types []string
	if !r.cfg.AllTypes {
		types = r.registry.Types()
		if len(types) == 0 {
			return false, nil
		}
	}

	job, err := r.queue.ClaimNext(ctx, types)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	return true, r.process(ctx, job)
}

func (r *Runner) maybeExpireStale(ctx context.Context) error {
	now := r.now()
	if !r.lastStaleCheck.IsZero() && now.Sub(r.lastStaleCheck) < r.cfg.StaleCheckInterval {
		return nil
	}

	n, err := r.queue.ExpireStale(ctx)
	if err != nil {
		return err
	}
	r.lastStaleCheck = now
	if n > 0 {
		r.logger.Warn("expired stale jobs", zap.Int("count", n))
	}
	return nil
}

func (r *Runner) idle(ctx context.Context) {
	if r.wakeup == nil {
		sleep(ctx, r.cfg.PollInterval)
		return
	}
	if err := r.wakeup.Wait(ctx, r.cfg.PollInterval); err != nil && ctx.Err() == nil {
		r.logger.Debug("wakeup wait failed, sleeping instead", zap.Error(err))
		sleep(ctx, r.cfg.PollInterval)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
