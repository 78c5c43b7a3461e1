// Package telemetry wires OpenTelemetry tracing and the queue's metrics.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics counts job lifecycle transitions.
type Metrics struct {
	created   metric.Int64Counter
	claimed   metric.Int64Counter
	completed metric.Int64Counter
	failed    metric.Int64Counter
	expired   metric.Int64Counter
	duration  metric.Float64Histogram
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	if m.created, err = meter.Int64Counter("jobs_created_total"); err != nil {
		return nil, err
	}
	if m.claimed, err = meter.Int64Counter("jobs_claimed_total"); err != nil {
		return nil, err
	}
	if m.completed, err = meter.Int64Counter("jobs_completed_total"); err != nil {
		return nil, err
	}
	if m.failed, err = meter.Int64Counter("jobs_failed_total"); err != nil {
		return nil, err
	}
	if m.expired, err = meter.Int64Counter("jobs_expired_total"); err != nil {
		return nil, err
	}
	if m.duration, err = meter.Float64Histogram("job_handler_duration_ms", metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	return &m, nil
}

// GlobalMetrics builds Metrics on the globally installed meter provider.
func GlobalMetrics() (*Metrics, error) {
	return NewMetrics(otel.Meter(ServiceName))
}

// NoopMetrics records nothing.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(ServiceName))
	return m
}

func typeAttr(jobType string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("job_type", jobType))
}

func (m *Metrics) JobCreated(ctx context.Context, jobType string) {
	m.created.Add(ctx, 1, typeAttr(jobType))
}

func (m *Metrics) JobClaimed(ctx context.Context, jobType string) {
	m.claimed.Add(ctx, 1, typeAttr(jobType))
}

func (m *Metrics) JobCompleted(ctx context.Context, jobType string) {
	m.completed.Add(ctx, 1, typeAttr(jobType))
}

func (m *Metrics) JobFailed(ctx context.Context, jobType string, requeued bool) {
	m.failed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("job_type", jobType),
		attribute.Bool("requeued", requeued),
	))
}

func (m *Metrics) JobsExpired(ctx context.Context, n int) {
	m.expired.Add(ctx, int64(n))
}

func (m *Metrics) HandlerDuration(ctx context.Context, jobType string, d time.Duration) {
	m.duration.Record(ctx, float64(d.Milliseconds()), typeAttr(jobType))
}
