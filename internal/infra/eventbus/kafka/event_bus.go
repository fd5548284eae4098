// Package kafka provides a Kafka-based implementation of the event bus for asynchronous messaging.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"

	"github.com/ahrav/gatekeeper/internal/domain/events"
	"github.com/ahrav/gatekeeper/internal/domain/gate"
	"github.com/ahrav/gatekeeper/internal/infra/eventbus/kafka/tracing"
	"github.com/ahrav/gatekeeper/internal/infra/eventbus/reliability"
	"github.com/ahrav/gatekeeper/internal/infra/eventbus/serialization"
	"github.com/ahrav/gatekeeper/pkg/common/logger"
)

// Publish retry defaults for critical events.
const (
	DefaultPublishRetries = 3
	DefaultRetryInterval  = 200 * time.Millisecond

	commitInterval = time.Second
)

// Config contains settings for connecting to and interacting with Kafka brokers.
// It defines the topics, consumer group, and client identifiers needed for message routing.
type Config struct {
	// Brokers is a list of Kafka broker addresses to connect to.
	Brokers []string

	// StateTopic receives every gate state transition.
	StateTopic string
	// TriggerTopic receives trigger completion summaries.
	TriggerTopic string
	// ReachabilityTopic receives reachability probe reports.
	ReachabilityTopic string

	// GroupID identifies the consumer group for this broker instance.
	GroupID string
	// ClientID uniquely identifies this client to the Kafka cluster.
	ClientID string

	// PublishRetries bounds the retries for critical events.
	PublishRetries int
	// RetryInterval is the pause between publish retries.
	RetryInterval time.Duration
}

func (c *Config) validate() error {
	if c.StateTopic == "" || c.TriggerTopic == "" || c.ReachabilityTopic == "" {
		return errors.New("state, trigger and reachability topics are required")
	}
	return nil
}

var _ events.EventBus = (*EventBus)(nil)

// EventBus implements the EventBus interface using Kafka as the underlying message broker.
// Critical events are retried on transient publish failures.
type EventBus struct {
	producer      sarama.SyncProducer
	consumerGroup sarama.ConsumerGroup
	// client is set when the bus owns the underlying connection.
	client sarama.Client

	// Maps domain event types to their Kafka topics
	topicMap map[events.EventType]string

	retries       int
	retryInterval time.Duration

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

// NewEventBus creates an event bus over an existing producer and consumer
// group. The bus takes ownership of both.
func NewEventBus(
	producer sarama.SyncProducer,
	consumerGroup sarama.ConsumerGroup,
	cfg *Config,
	logger *logger.Logger,
	metrics EventBusMetrics,
	tracer trace.Tracer,
) (*EventBus, error) {
	if metrics == nil {
		return nil, fmt.Errorf("metrics are required for kafka event bus")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	retries, interval := cfg.PublishRetries, cfg.RetryInterval
	if retries <= 0 {
		retries = DefaultPublishRetries
	}
	if interval <= 0 {
		interval = DefaultRetryInterval
	}

	return &EventBus{
		producer:      producer,
		consumerGroup: consumerGroup,
		topicMap: map[events.EventType]string{
			gate.EventTypeGateStateChanged:        cfg.StateTopic,
			gate.EventTypeGateTriggerCompleted:    cfg.TriggerTopic,
			gate.EventTypeGateReachabilityChecked: cfg.ReachabilityTopic,
		},
		retries:       retries,
		retryInterval: interval,
		logger: logger.With(
			"component", "kafka_event_bus",
			"client_id", cfg.ClientID,
			"group_id", cfg.GroupID,
		),
		metrics: metrics,
		tracer:  tracer,
	}, nil
}

// Publish sends a domain event to the Kafka topic mapped to its type.
// It handles serialization, routing based on event type, and includes
// observability instrumentation for tracing and metrics.
func (b *EventBus) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	topic, ok := b.topicMap[event.Type]
	if !ok {
		return fmt.Errorf("unknown event type '%s', no topic mapped", event.Type)
	}

	ctx, span := tracing.StartProducerSpan(ctx, topic, b.tracer)
	defer span.End()

	params := events.ApplyOptions(opts)
	if params.Key != "" {
		event.Key = params.Key
		span.SetAttributes(attribute.String("event.key", event.Key))
	}
	if params.Headers != nil {
		event.Headers = params.Headers
	}

	msgBytes, err := serialization.SerializeEventEnvelope(event)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "serialization failed")
		b.metrics.IncPublishError(ctx, topic)
		return fmt.Errorf("failed to serialize payload for event %s: %w", event.Type, err)
	}

	send := func() error { return b.publishToTopic(ctx, topic, event, msgBytes) }
	if !reliability.IsCriticalEvent(event.Type) {
		err = send()
	} else {
		attempt := 0
		err = backoff.Retry(func() error {
			if attempt > 0 {
				b.metrics.IncPublishRetry(ctx, topic)
			}
			attempt++
			return send()
		}, backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewConstantBackOff(b.retryInterval), uint64(b.retries)),
			ctx,
		))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return err
	}
	return nil
}

// publishToTopic handles the actual publishing of a message to a single Kafka topic
func (b *EventBus) publishToTopic(ctx context.Context, topic string, event events.EventEnvelope, msgBytes []byte) error {
	kafkaMsg := &sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.StringEncoder(event.Key),
		Value:     sarama.ByteEncoder(msgBytes),
		Timestamp: event.Timestamp,
	}
	for k, v := range event.Headers {
		kafkaMsg.Headers = append(kafkaMsg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}

	tracing.InjectTraceContext(ctx, kafkaMsg)

	partition, offset, err := b.producer.SendMessage(kafkaMsg)
	if err != nil {
		b.metrics.IncPublishError(ctx, topic)
		return fmt.Errorf("failed to send message to kafka topic %s: %w", topic, err)
	}

	b.metrics.IncMessagePublished(ctx, topic)
	b.logger.Debug(ctx, "Published message to Kafka",
		"topic", topic,
		"partition", partition,
		"offset", offset,
		"event_type", event.Type,
		"key", event.Key,
	)

	return nil
}

// Subscribe registers a handler function to process domain events from specified event types.
// It manages consumer group membership and message processing in a separate goroutine
// that exits when ctx is canceled.
func (b *EventBus) Subscribe(
	ctx context.Context,
	eventTypes []events.EventType,
	handler events.HandlerFunc,
) error {
	_, span := b.tracer.Start(ctx, "kafka_event_bus.subscribe",
		trace.WithAttributes(
			attribute.String("component", "kafka_event_bus"),
		))
	defer span.End()

	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	// Collect unique topics for the requested event types.
	var topics []string
	topicSet := make(map[string]struct{})
	for _, et := range eventTypes {
		topic, ok := b.topicMap[et]
		if !ok {
			err := fmt.Errorf("subscribe: unknown event type %s", et)
			span.RecordError(err)
			span.SetStatus(codes.Error, "unknown event type")
			return err
		}
		if _, dup := topicSet[topic]; !dup {
			topicSet[topic] = struct{}{}
			topics = append(topics, topic)
		}
	}
	if len(topics) == 0 {
		return errors.New("at least one event type is required")
	}

	span.AddEvent("topics_collected", trace.WithAttributes(attribute.StringSlice("topics", topics)))

	wanted := make(map[events.EventType]struct{}, len(eventTypes))
	for _, et := range eventTypes {
		wanted[et] = struct{}{}
	}

	go b.consumeLoop(ctx, topics, &domainEventHandler{
		wanted:      wanted,
		userHandler: handler,
		logger:      b.logger,
		tracer:      b.tracer,
		metrics:     b.metrics,
	})
	b.logger.Info(ctx, "Subscribed to events", "event_types", eventTypes, "topics", topics)

	return nil
}

// consumeLoop maintains a continuous consumer group session for processing messages.
func (b *EventBus) consumeLoop(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) {
	for {
		if err := b.consumerGroup.Consume(ctx, topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			b.logger.Error(ctx, "Error from consumer group", "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// domainEventHandler implements sarama.ConsumerGroupHandler to process Kafka messages
// and convert them into domain events for the application.
type domainEventHandler struct {
	// wanted filters events sharing a topic with a type the subscriber did
	// not ask for.
	wanted      map[events.EventType]struct{}
	userHandler events.HandlerFunc

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

func (h *domainEventHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(sess.Context(),
		"Consumer group session setup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (h *domainEventHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(sess.Context(),
		"Consumer group session cleanup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

// ConsumeClaim processes messages from an assigned partition, deserializing them into
// domain events and invoking the user-provided handler. Every message is marked once
// handled; offsets are committed at most once per commitInterval.
func (h *domainEventHandler) ConsumeClaim(
	sess sarama.ConsumerGroupSession,
	claim sarama.ConsumerGroupClaim,
) error {
	consumeLogger := h.logger.With("operation", "consume_claim", "partition", claim.Partition())
	consumeLogger.Info(sess.Context(), "Starting to consume from partition", "member_id", sess.MemberID())

	lastCommit := time.Now()
	for msg := range claim.Messages() {
		h.handleMessage(sess, msg, consumeLogger)

		if time.Since(lastCommit) > commitInterval {
			sess.Commit()
			lastCommit = time.Now()
		}
	}

	// Final commit before exiting
	sess.Commit()

	return nil
}

func (h *domainEventHandler) handleMessage(
	sess sarama.ConsumerGroupSession,
	msg *sarama.ConsumerMessage,
	log *logger.Logger,
) {
	defer sess.MarkMessage(msg, "")

	msgCtx := tracing.ExtractTraceContext(sess.Context(), msg)
	msgCtx, span := tracing.StartConsumerSpan(msgCtx, msg, h.tracer)
	defer span.End()

	env, err := serialization.DeserializeEventEnvelope(msg.Value)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "deserialization failed")
		h.metrics.IncConsumeError(msgCtx, msg.Topic)
		log.Error(msgCtx, "Failed to deserialize message", "topic", msg.Topic, "offset", msg.Offset, "error", err)
		return
	}
	if _, ok := h.wanted[env.Type]; !ok {
		return
	}
	if env.Key == "" {
		env.Key = string(msg.Key)
	}

	log.Debug(msgCtx, "Received Kafka message",
		"topic", msg.Topic,
		"offset", msg.Offset,
		"event_type", env.Type,
		"key", env.Key,
	)

	if err := h.userHandler(msgCtx, env); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failed")
		h.metrics.IncConsumeError(msgCtx, msg.Topic)
		log.Error(msgCtx, "Failed to handle message", "event_type", env.Type, "error", err)
		return
	}
	h.metrics.IncMessageConsumed(msgCtx, msg.Topic)
}

// Close gracefully shuts down the event bus by closing both producer and consumer connections.
func (b *EventBus) Close() error {
	logger := b.logger.With("operation", "close")
	ctx, span := b.tracer.Start(context.Background(), "kafka_event_bus.close")
	defer span.End()

	var err error
	if cerr := b.producer.Close(); cerr != nil {
		err = multierr.Append(err, fmt.Errorf("close producer: %w", cerr))
	}
	if cerr := b.consumerGroup.Close(); cerr != nil {
		err = multierr.Append(err, fmt.Errorf("close consumer group: %w", cerr))
	}
	if b.client != nil && !b.client.Closed() {
		if cerr := b.client.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close client: %w", cerr))
		}
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to close event bus")
		logger.Error(ctx, "Failed to close event bus", "error", err)
		return err
	}

	span.AddEvent("closed_event_bus")
	span.SetStatus(codes.Ok, "closed event bus")
	logger.Info(ctx, "Closed event bus")

	return nil
}
