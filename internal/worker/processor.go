package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"assistant-jobqueue/internal/entity"
	"assistant-jobqueue/internal/service"
)

// process drives one claimed job to its next state. The returned error is
// a job store failure; everything the handler does is recorded on the job.
func (r *Runner) process(ctx context.Context, job *entity.Job) error {
	start := time.Now()
	log := r.logger.With(
		zap.String("job_id", job.ID.String()),
		zap.String("type", job.Type),
		zap.Int("retry_count", job.RetryCount),
	)

	ctx, span := r.tracer.Start(ctx, "job "+job.Type, trace.WithAttributes(
		attribute.String("job.id", job.ID.String()),
		attribute.String("job.type", job.Type),
		attribute.Int("job.retry_count", job.RetryCount),
	))
	defer span.End()

	h, ok := r.registry.Lookup(job.Type)
	if !ok {
		log.Warn("no handler for claimed job, failing it")
		span.SetStatus(codes.Error, ErrNoHandler.Error())
		return r.fail(ctx, log, job, ErrNoHandler, false)
	}

	if err := r.queue.MarkRunning(ctx, job.ID); err != nil {
		return r.ackError(log, "mark running", err)
	}
	job.Status = entity.StatusRunning

	log.Info("job running")
	out, herr := r.invoke(ctx, log, h, job)
	elapsed := time.Since(start)
	r.metrics.HandlerDuration(ctx, job.Type, elapsed)

	if herr != nil {
		span.RecordError(herr)
		span.SetStatus(codes.Error, herr.Error())
		return r.fail(ctx, log.With(zap.Int64("duration_ms", elapsed.Milliseconds())), job, herr, !IsPermanent(herr))
	}

	if len(out) == 0 {
		out = json.RawMessage(`{}`)
	}
	if !json.Valid(out) {
		// Retrying would produce the same bytes.
		err := Permanent(ErrInvalidOutput)
		span.SetStatus(codes.Error, err.Error())
		return r.fail(ctx, log, job, err, false)
	}

	ackCtx, cancel := r.ackContext(ctx)
	defer cancel()
	if err := r.queue.CompleteAttempt(ackCtx, job, out); err != nil {
		return r.ackError(log, "complete", err)
	}
	r.metrics.JobCompleted(ctx, job.Type)

	log.Info("job complete", zap.Int64("duration_ms", elapsed.Milliseconds()))
	return nil
}

func (r *Runner) fail(ctx context.Context, log *zap.Logger, job *entity.Job, cause error, retry bool) error {
	ackCtx, cancel := r.ackContext(ctx)
	defer cancel()

	updated, err := r.queue.FailAttempt(ackCtx, job, cause.Error(), retry)
	if err != nil {
		return r.ackError(log, "fail", err)
	}

	if updated.Status == entity.StatusPending {
		log.Warn("job failed, retry scheduled",
			zap.Error(cause),
			zap.Int("attempt", updated.RetryCount),
			zap.Time("scheduled_for", updated.ScheduledFor),
		)
		return nil
	}
	log.Error("job failed",
		zap.Error(cause),
		zap.Bool("retryable", retry),
		zap.Int("retry_count", updated.RetryCount),
	)
	return nil
}

// invoke runs the handler, turning a panic into an ordinary retryable error.
func (r *Runner) invoke(ctx context.Context, log *zap.Logger, h Handler, job *entity.Job) (out json.RawMessage, err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("handler panic", zap.Any("panic", p), zap.Stack("stack"))
			out, err = nil, fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h.Handle(ctx, job)
}

// ackContext outlives shutdown of the runner so a finished handler still
// gets its outcome recorded.
func (r *Runner) ackContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.cfg.AckTimeout)
}

// ackError separates store outages from lost ownership. A job that moved on
// without us (expired as stale, reclaimed elsewhere) is only logged.
func (r *Runner) ackError(log *zap.Logger, op string, err error) error {
	if errors.Is(err, service.ErrPersistence) {
		log.Error("job store error", zap.String("op", op), zap.Error(err))
		return err
	}
	log.Warn("job no longer held by this runner", zap.String("op", op), zap.Error(err))
	return nil
}
