package observability

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"srmjobs/internal/engine"
	"srmjobs/internal/job"
)

// JobMetrics records engine events as OpenTelemetry instruments.
type JobMetrics struct {
	transitions metric.Int64Counter
	claims      metric.Int64Counter
	leaseLost   metric.Int64Counter
	expired     metric.Int64Counter
	running     metric.Int64UpDownCounter
}

var _ engine.Metrics = (*JobMetrics)(nil)

// NewJobMetrics creates the job instruments on meter.
func NewJobMetrics(meter metric.Meter) (*JobMetrics, error) {
	m := &JobMetrics{}
	var err error
	if m.transitions, err = meter.Int64Counter("srm.jobs.transitions",
		metric.WithDescription("Persisted job state transitions")); err != nil {
		return nil, fmt.Errorf("create transitions counter: %w", err)
	}
	if m.claims, err = meter.Int64Counter("srm.jobs.claims",
		metric.WithDescription("Jobs claimed by schedulers")); err != nil {
		return nil, fmt.Errorf("create claims counter: %w", err)
	}
	if m.leaseLost, err = meter.Int64Counter("srm.jobs.lease_lost",
		metric.WithDescription("Writes rejected because the lease or state changed underneath")); err != nil {
		return nil, fmt.Errorf("create lease_lost counter: %w", err)
	}
	if m.expired, err = meter.Int64Counter("srm.jobs.expired",
		metric.WithDescription("Jobs failed by the sweeper after their lifetime")); err != nil {
		return nil, fmt.Errorf("create expired counter: %w", err)
	}
	if m.running, err = meter.Int64UpDownCounter("srm.jobs.running",
		metric.WithDescription("Jobs currently in state RUNNING")); err != nil {
		return nil, fmt.Errorf("create running gauge: %w", err)
	}
	return m, nil
}

func (m *JobMetrics) Transition(ctx context.Context, typeName string, from, to job.State) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", typeName),
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
	))
	typeAttr := metric.WithAttributes(attribute.String("type", typeName))
	switch {
	case to == job.StateRunning && from != job.StateRunning:
		m.running.Add(ctx, 1, typeAttr)
	case from == job.StateRunning && to != job.StateRunning:
		m.running.Add(ctx, -1, typeAttr)
	}
}

func (m *JobMetrics) Claimed(ctx context.Context, typeName string, kind job.Kind) {
	m.claims.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", typeName),
		attribute.String("kind", kind.String()),
	))
}

func (m *JobMetrics) LeaseLost(ctx context.Context, typeName string) {
	m.leaseLost.Add(ctx, 1, metric.WithAttributes(attribute.String("type", typeName)))
}

func (m *JobMetrics) Expired(ctx context.Context, typeName string) {
	m.expired.Add(ctx, 1, metric.WithAttributes(attribute.String("type", typeName)))
}

// RegisterQueueDepth adds an observable gauge srm.jobs.queued that calls
// count on every collection. A failing count skips the observation so a
// scrape never fails because of the database.
func RegisterQueueDepth(meter metric.Meter, count func(context.Context) (int64, error), logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	_, err := meter.Int64ObservableGauge("srm.jobs.queued",
		metric.WithDescription("Work items waiting in state QUEUED"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			n, err := count(ctx)
			if err != nil {
				logger.WarnContext(ctx, "failed to count queued jobs", "error", err)
				return nil
			}
			obs.Observe(n)
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("create queue depth gauge: %w", err)
	}
	return nil
}
