package api

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const namespace = "gatekeeper_api"

// APIMetrics defines metrics operations needed by the control API.
type APIMetrics interface {
	IncRequestsTotal(ctx context.Context, method, path string, status int)
	ObserveRequestDuration(ctx context.Context, method, path string, duration time.Duration)
	IncPressRequests(ctx context.Context)
	IncPressRejected(ctx context.Context, reason string)
}

type apiMetrics struct {
	requestsTotal   metric.Int64Counter
	requestDuration metric.Float64Histogram
	pressRequests   metric.Int64Counter
	pressRejected   metric.Int64Counter
}

// NewAPIMetrics builds the API instruments from mp.
func NewAPIMetrics(mp metric.MeterProvider) (*apiMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(apiMetrics)
	var err error

	if m.requestsTotal, err = meter.Int64Counter(
		"requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	); err != nil {
		return nil, err
	}

	if m.requestDuration, err = meter.Float64Histogram(
		"request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.pressRequests, err = meter.Int64Counter(
		"press_requests_total",
		metric.WithDescription("Total number of gate trigger requests"),
	); err != nil {
		return nil, err
	}

	if m.pressRejected, err = meter.Int64Counter(
		"press_rejected_total",
		metric.WithDescription("Total number of gate trigger requests that were not accepted"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *apiMetrics) IncRequestsTotal(ctx context.Context, method, path string, status int) {
	m.requestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status", status),
	))
}

func (m *apiMetrics) ObserveRequestDuration(ctx context.Context, method, path string, duration time.Duration) {
	m.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
	))
}

func (m *apiMetrics) IncPressRequests(ctx context.Context) { m.pressRequests.Add(ctx, 1) }

func (m *apiMetrics) IncPressRejected(ctx context.Context, reason string) {
	m.pressRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
