package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all swarmled metric instruments.
type Metrics struct {
	RequestDuration   metric.Float64Histogram
	SweepDuration     metric.Float64Histogram
	RunsRepaired      metric.Int64Counter
	SweepFailures     metric.Int64Counter
	EventsPublished   metric.Int64Counter
	ActiveSubscribers metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("swarmled.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SweepDuration, err = meter.Float64Histogram("swarmled.sweep.duration",
		metric.WithDescription("Reconciler sweep duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsRepaired, err = meter.Int64Counter("swarmled.sweep.runs_repaired",
		metric.WithDescription("Ghost runs closed by the reconciler"),
	)
	if err != nil {
		return nil, err
	}

	m.SweepFailures, err = meter.Int64Counter("swarmled.sweep.failures",
		metric.WithDescription("Individual repairs that failed to commit"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsPublished, err = meter.Int64Counter("swarmled.events.published",
		metric.WithDescription("State-change events published to the broadcaster"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveSubscribers, err = meter.Int64UpDownCounter("swarmled.stream.subscribers",
		metric.WithDescription("Currently connected event stream subscribers"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordRequest records one gateway request.
func (m *Metrics) RecordRequest(ctx context.Context, path string, took time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Record(ctx, took.Seconds(),
		metric.WithAttributes(attribute.String("path", path)))
}

// RecordEventPublished counts one event handed to the broadcaster.
func (m *Metrics) RecordEventPublished(ctx context.Context, topic string) {
	if m == nil {
		return
	}
	m.EventsPublished.Add(ctx, 1,
		metric.WithAttributes(attribute.String("topic", topic)))
}

// RecordSweep records one reconciler sweep.
func (m *Metrics) RecordSweep(ctx context.Context, took time.Duration, repaired, failures int) {
	if m == nil {
		return
	}
	m.SweepDuration.Record(ctx, took.Seconds())
	if repaired > 0 {
		m.RunsRepaired.Add(ctx, int64(repaired))
	}
	if failures > 0 {
		m.SweepFailures.Add(ctx, int64(failures))
	}
}
