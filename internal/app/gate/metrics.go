package gate

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/ahrav/gatekeeper/internal/domain/gate"
)

// GateMetrics defines the metrics recorded by the coordinator and engine.
type GateMetrics interface {
	// Trigger metrics
	IncTriggerAttempts(ctx context.Context, kind domain.TransportKind)
	IncTriggerFailures(ctx context.Context, kind domain.TransportKind)
	ObserveTriggerDuration(ctx context.Context, d time.Duration, success bool)

	// State machine metrics
	IncTransitions(ctx context.Context, from, to domain.State)
	IncDroppedEvents(ctx context.Context, kind domain.EventKind)

	// Reachability metrics
	ObserveProbeRound(ctx context.Context, anyReachable bool, attempts int)
}

// Metrics implements GateMetrics with OpenTelemetry instruments.
type Metrics struct {
	triggerAttempts metric.Int64Counter
	triggerFailures metric.Int64Counter
	triggerDuration metric.Float64Histogram

	transitions   metric.Int64Counter
	droppedEvents metric.Int64Counter

	probeRounds   metric.Int64Counter
	probeAttempts metric.Int64Histogram
}

const namespace = "gatekeeper"

// NewMetrics creates the gate instruments from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(Metrics)
	var err error

	if m.triggerAttempts, err = meter.Int64Counter(
		"trigger_attempts_total",
		metric.WithDescription("Total number of adapter trigger attempts"),
	); err != nil {
		return nil, err
	}

	if m.triggerFailures, err = meter.Int64Counter(
		"trigger_failures_total",
		metric.WithDescription("Total number of failed adapter trigger attempts"),
	); err != nil {
		return nil, err
	}

	if m.triggerDuration, err = meter.Float64Histogram(
		"trigger_duration_seconds",
		metric.WithDescription("Time from trigger request to relay release or failure"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.transitions, err = meter.Int64Counter(
		"state_transitions_total",
		metric.WithDescription("Total number of applied state transitions"),
	); err != nil {
		return nil, err
	}

	if m.droppedEvents, err = meter.Int64Counter(
		"dropped_events_total",
		metric.WithDescription("Events dropped because they belonged to a finished cycle or expired timer"),
	); err != nil {
		return nil, err
	}

	if m.probeRounds, err = meter.Int64Counter(
		"reachability_checks_total",
		metric.WithDescription("Total number of completed reachability checks"),
	); err != nil {
		return nil, err
	}

	if m.probeAttempts, err = meter.Int64Histogram(
		"reachability_check_attempts",
		metric.WithDescription("Probe rounds needed per reachability check"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) IncTriggerAttempts(ctx context.Context, kind domain.TransportKind) {
	m.triggerAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("transport", kind.String())))
}

func (m *Metrics) IncTriggerFailures(ctx context.Context, kind domain.TransportKind) {
	m.triggerFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("transport", kind.String())))
}

func (m *Metrics) ObserveTriggerDuration(ctx context.Context, d time.Duration, success bool) {
	m.triggerDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.Bool("success", success)))
}

func (m *Metrics) IncTransitions(ctx context.Context, from, to domain.State) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
	))
}

func (m *Metrics) IncDroppedEvents(ctx context.Context, kind domain.EventKind) {
	m.droppedEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event", kind.String())))
}

func (m *Metrics) ObserveProbeRound(ctx context.Context, anyReachable bool, attempts int) {
	m.probeRounds.Add(ctx, 1, metric.WithAttributes(attribute.Bool("any_reachable", anyReachable)))
	m.probeAttempts.Record(ctx, int64(attempts))
}
