// Package observability owns the OpenTelemetry instruments of the engine.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

const meterName = "curricula/engine"

// Instruments records engine metrics. A nil *Instruments records nothing.
type Instruments struct {
	rounds    metric.Int64Counter
	failures  metric.Int64Counter
	conflicts metric.Int64Counter
	actions   metric.Int64Counter
	duration  metric.Float64Histogram
}

// New registers the instruments on the given provider.
func New(mp metric.MeterProvider) (*Instruments, error) {
	meter := mp.Meter(meterName)
	var (
		in  Instruments
		err error
	)
	if in.rounds, err = meter.Int64Counter("curricula.rounds",
		metric.WithDescription("Rounds finished, by outcome"),
		metric.WithUnit("{round}")); err != nil {
		return nil, fmt.Errorf("rounds counter: %w", err)
	}
	if in.failures, err = meter.Int64Counter("curricula.stakeholder.failures",
		metric.WithDescription("Stakeholder evaluations that errored or timed out"),
		metric.WithUnit("{evaluation}")); err != nil {
		return nil, fmt.Errorf("failures counter: %w", err)
	}
	if in.conflicts, err = meter.Int64Counter("curricula.conflicts",
		metric.WithDescription("Conflicts detected, by kind and severity"),
		metric.WithUnit("{conflict}")); err != nil {
		return nil, fmt.Errorf("conflicts counter: %w", err)
	}
	if in.actions, err = meter.Int64Counter("curricula.actions.applied",
		metric.WithDescription("Mediated actions applied to the document"),
		metric.WithUnit("{action}")); err != nil {
		return nil, fmt.Errorf("actions counter: %w", err)
	}
	if in.duration, err = meter.Float64Histogram("curricula.round.duration",
		metric.WithDescription("Wall time of a round in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300)); err != nil {
		return nil, fmt.Errorf("duration histogram: %w", err)
	}
	return &in, nil
}

// NewProvider returns an SDK meter provider reading through r. Shut it down
// when the process exits.
func NewProvider(r sdkmetric.Reader) *sdkmetric.MeterProvider {
	return sdkmetric.NewMeterProvider(sdkmetric.WithReader(r))
}

// RoundFinished records a committed or failed round.
func (in *Instruments) RoundFinished(ctx context.Context, outcome string, d time.Duration, applied int) {
	if in == nil {
		return
	}
	if outcome == "" {
		outcome = "continue"
	}
	in.rounds.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	in.duration.Record(ctx, d.Seconds())
	if applied > 0 {
		in.actions.Add(ctx, int64(applied))
	}
}

// StakeholderFailed records a failed evaluation call.
func (in *Instruments) StakeholderFailed(ctx context.Context, stakeholder, reason string) {
	if in == nil {
		return
	}
	in.failures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stakeholder", stakeholder),
		attribute.String("reason", reason),
	))
}

// ConflictDetected records one conflict record.
func (in *Instruments) ConflictDetected(ctx context.Context, kind, severity string) {
	if in == nil {
		return
	}
	in.conflicts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("severity", severity),
	))
}

// Totals collects from reader and sums every integer counter by name. The
// round duration histogram is reported as its observation count and sum.
func Totals(ctx context.Context, reader sdkmetric.Reader) (map[string]float64, error) {
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		return nil, err
	}
	out := map[string]float64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					out[m.Name] += float64(dp.Value)
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					out[m.Name+".count"] += float64(dp.Count)
					out[m.Name+".sum"] += dp.Sum
				}
			}
		}
	}
	return out, nil
}
