package internaltelemetry

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/sushant-115/gojogrid/core/prepare"
	"github.com/sushant-115/gojogrid/core/transaction"
)

// PrepareMetrics holds the instruments fed by prepare runs.
type PrepareMetrics struct {
	RunsStarted       metric.Int64Counter
	RunsPrepared      metric.Int64Counter
	RunsRolledBack    metric.Int64Counter
	SubOpFailures     metric.Int64Counter
	LateResolutions   metric.Int64Counter
	MappingsPerRun    metric.Int64Histogram
	DurationHistogram metric.Float64Histogram
}

// NewPrepareMetrics creates and registers the prepare metrics.
func NewPrepareMetrics(meter metric.Meter) (*PrepareMetrics, error) {
	m := &PrepareMetrics{}
	var err error
	if m.RunsStarted, err = meter.Int64Counter("gojogrid.prepare.started_total",
		metric.WithDescription("Prepare runs started."), metric.WithUnit("1")); err != nil {
		return nil, err
	}
	if m.RunsPrepared, err = meter.Int64Counter("gojogrid.prepare.prepared_total",
		metric.WithDescription("Prepare runs that reached PREPARED."), metric.WithUnit("1")); err != nil {
		return nil, err
	}
	if m.RunsRolledBack, err = meter.Int64Counter("gojogrid.prepare.rolled_back_total",
		metric.WithDescription("Prepare runs that failed, by error kind."), metric.WithUnit("1")); err != nil {
		return nil, err
	}
	if m.SubOpFailures, err = meter.Int64Counter("gojogrid.prepare.suboperation_failures_total",
		metric.WithDescription("Per-node sub-operations that failed, by error kind."), metric.WithUnit("1")); err != nil {
		return nil, err
	}
	if m.LateResolutions, err = meter.Int64Counter("gojogrid.prepare.late_resolutions_total",
		metric.WithDescription("Replies that arrived for an already resolved sub-operation."), metric.WithUnit("1")); err != nil {
		return nil, err
	}
	if m.MappingsPerRun, err = meter.Int64Histogram("gojogrid.prepare.mappings",
		metric.WithDescription("Primary node mappings per prepare run."), metric.WithUnit("1")); err != nil {
		return nil, err
	}
	if m.DurationHistogram, err = meter.Float64Histogram("gojogrid.prepare.duration",
		metric.WithDescription("Time from prepare start to verdict."), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	return m, nil
}

// Hooks returns prepare hooks that record into m.
func (m *PrepareMetrics) Hooks() prepare.Hooks {
	ctx := context.Background()
	return prepare.Hooks{
		OnStart: func(_ *transaction.Tx, mappings int) {
			m.RunsStarted.Add(ctx, 1)
			m.MappingsPerRun.Record(ctx, int64(mappings))
		},
		OnSubOperationFail: func(_ uuid.UUID, kind transaction.ErrorKind) {
			m.SubOpFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind.String())))
		},
		OnLateResolution: func(uuid.UUID) {
			m.LateResolutions.Add(ctx, 1)
		},
		OnFinish: func(_ *transaction.Tx, err error, elapsed time.Duration) {
			ms := float64(elapsed) / float64(time.Millisecond)
			if err == nil {
				m.RunsPrepared.Add(ctx, 1)
				m.DurationHistogram.Record(ctx, ms, metric.WithAttributes(attribute.String("outcome", "prepared")))
				return
			}
			kind := attribute.String("kind", transaction.KindOf(err).String())
			m.RunsRolledBack.Add(ctx, 1, metric.WithAttributes(kind))
			m.DurationHistogram.Record(ctx, ms, metric.WithAttributes(attribute.String("outcome", "rolled_back")))
		},
	}
}
