package kafka

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EventBusMetrics defines metrics operations needed to monitor Kafka message handling.
// It enables tracking of successful and failed message publishing/consumption.
type EventBusMetrics interface {
	IncMessagePublished(ctx context.Context, topic string)
	IncMessageConsumed(ctx context.Context, topic string)
	IncPublishError(ctx context.Context, topic string)
	IncConsumeError(ctx context.Context, topic string)
	IncPublishRetry(ctx context.Context, topic string)
}

var _ EventBusMetrics = (*Metrics)(nil)

// Metrics implements EventBusMetrics with Prometheus counters labelled by topic.
type Metrics struct {
	published     *prometheus.CounterVec
	consumed      *prometheus.CounterVec
	publishErrors *prometheus.CounterVec
	consumeErrors *prometheus.CounterVec
	retries       *prometheus.CounterVec
}

const namespace = "gatekeeper_kafka"

// NewMetrics registers the bus counters with reg. A nil reg uses the default
// Prometheus registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	labels := []string{"topic"}

	return &Metrics{
		published: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_published_total",
			Help:      "Total number of messages published to Kafka",
		}, labels),
		consumed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_consumed_total",
			Help:      "Total number of messages consumed from Kafka",
		}, labels),
		publishErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Total number of failed publish attempts",
		}, labels),
		consumeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consume_errors_total",
			Help:      "Total number of messages the subscriber failed to handle",
		}, labels),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_retries_total",
			Help:      "Total number of publish retries for critical events",
		}, labels),
	}
}

func (m *Metrics) IncMessagePublished(_ context.Context, topic string) {
	m.published.WithLabelValues(topic).Inc()
}

func (m *Metrics) IncMessageConsumed(_ context.Context, topic string) {
	m.consumed.WithLabelValues(topic).Inc()
}

func (m *Metrics) IncPublishError(_ context.Context, topic string) {
	m.publishErrors.WithLabelValues(topic).Inc()
}

func (m *Metrics) IncConsumeError(_ context.Context, topic string) {
	m.consumeErrors.WithLabelValues(topic).Inc()
}

func (m *Metrics) IncPublishRetry(_ context.Context, topic string) {
	m.retries.WithLabelValues(topic).Inc()
}
