package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/tehSIRius/dartminator"
)

// scopeName is the instrumentation scope for engine telemetry.
const scopeName = "github.com/tehSIRius/dartminator/engine"

// engineMetrics records dispatch telemetry through the global OTel
// MeterProvider. Without a configured provider the instruments are noops
// and recording is a pass-through.
type engineMetrics struct {
	cycles    metric.Int64Counter
	local     metric.Int64Counter
	delegated metric.Int64Counter
}

func newEngineMetrics(node *dartminator.Node) *engineMetrics {
	meter := otel.Meter(scopeName)

	cycles, cErr := meter.Int64Counter(
		"dartminator.cycles",
		metric.WithDescription("Dispatch cycles executed"),
		metric.WithUnit("{cycle}"),
	)
	_ = cErr // noop fallback guaranteed by OTel API contract

	local, lErr := meter.Int64Counter(
		"dartminator.items.local",
		metric.WithDescription("Work items resolved by the local executor"),
		metric.WithUnit("{item}"),
	)
	_ = lErr

	delegated, dErr := meter.Int64Counter(
		"dartminator.items.delegated",
		metric.WithDescription("Work items resolved by peers"),
		metric.WithUnit("{item}"),
	)
	_ = dErr

	// The observable node state surface, exported as gauges: busy flag
	// aside, monitoring wants the peer and remaining counts over time.
	peers, pErr := meter.Int64ObservableGauge(
		"dartminator.peers.known",
		metric.WithDescription("Peers known in the current cycle"),
		metric.WithUnit("{peer}"),
	)
	remaining, rErr := meter.Int64ObservableGauge(
		"dartminator.items.remaining",
		metric.WithDescription("Unresolved work items"),
		metric.WithUnit("{item}"),
	)
	if pErr == nil && rErr == nil {
		_, _ = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(peers, int64(node.Peers()))
			o.ObserveInt64(remaining, int64(node.Remaining()))
			return nil
		}, peers, remaining)
	}

	return &engineMetrics{
		cycles:    cycles,
		local:     local,
		delegated: delegated,
	}
}

func (m *engineMetrics) recordCycle(ctx context.Context, filled int) {
	m.cycles.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("barren", filled == 0),
	))
}

func (m *engineMetrics) recordLocal(ctx context.Context) {
	m.local.Add(ctx, 1)
}

func (m *engineMetrics) recordDelegated(ctx context.Context) {
	m.delegated.Add(ctx, 1)
}

// startSpan opens the computation-level trace span.
func (e *Engine) startSpan(ctx context.Context) (context.Context, trace.Span) {
	tracer := otel.Tracer(scopeName)
	return tracer.Start(ctx, "dartminator.compute",
		trace.WithAttributes(
			attribute.String("computation", e.comp.ID()),
			attribute.String("node", e.node.Name()),
		),
	)
}
