package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/gatekeeper/internal/domain/events"
	"github.com/ahrav/gatekeeper/internal/domain/gate"
	"github.com/ahrav/gatekeeper/internal/infra/eventbus/serialization"
	"github.com/ahrav/gatekeeper/pkg/common/logger"
)

func testConfig() *Config {
	return &Config{
		Brokers:           []string{"localhost:9092"},
		StateTopic:        "gate.state",
		TriggerTopic:      "gate.trigger",
		ReachabilityTopic: "gate.reachability",
		GroupID:           "gatekeeper",
		ClientID:          "gatekeeper-test",
		RetryInterval:     time.Millisecond,
	}
}

// fakeGroup replays queued messages through the handler on the first
// Consume call and then blocks until ctx is done.
type fakeGroup struct {
	sarama.ConsumerGroup

	mu       sync.Mutex
	topics   []string
	messages []*sarama.ConsumerMessage
	sessions []*fakeSession
	closed   bool
}

func (g *fakeGroup) Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error {
	g.mu.Lock()
	g.topics = topics
	msgs := g.messages
	g.messages = nil
	g.mu.Unlock()

	if len(msgs) > 0 {
		sess := &fakeSession{ctx: ctx}
		if err := handler.Setup(sess); err != nil {
			return err
		}
		claim := &fakeClaim{ch: make(chan *sarama.ConsumerMessage, len(msgs))}
		for _, m := range msgs {
			claim.ch <- m
		}
		close(claim.ch)
		if err := handler.ConsumeClaim(sess, claim); err != nil {
			return err
		}
		if err := handler.Cleanup(sess); err != nil {
			return err
		}
		g.mu.Lock()
		g.sessions = append(g.sessions, sess)
		g.mu.Unlock()
	}

	<-ctx.Done()
	return nil
}

func (g *fakeGroup) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}

type fakeSession struct {
	sarama.ConsumerGroupSession

	ctx     context.Context
	mu      sync.Mutex
	marked  []int64
	commits int
}

func (s *fakeSession) Context() context.Context { return s.ctx }
func (s *fakeSession) MemberID() string         { return "member-1" }
func (s *fakeSession) GenerationID() int32      { return 1 }
func (s *fakeSession) Commit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits++
}
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	ch chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.ch }

func newTestBus(t *testing.T, producer sarama.SyncProducer, group sarama.ConsumerGroup) (*EventBus, *Metrics) {
	t.Helper()
	metrics := NewMetrics(prometheus.NewRegistry())
	bus, err := NewEventBus(producer, group, testConfig(), logger.Noop(), metrics, noop.NewTracerProvider().Tracer("test"))
	require.NoError(t, err)
	return bus, metrics
}

func stateChanged() gate.StateChangedEvent {
	return gate.ReconstructStateChangedEvent(
		time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC),
		gate.StateReady, gate.StateTriggering, gate.EventUserPressed, uuid.New(),
	)
}

func envelopeFor(evt events.DomainEvent) events.EventEnvelope {
	return events.EventEnvelope{Type: evt.EventType(), Timestamp: evt.OccurredAt(), Payload: evt}
}

func TestNewEventBus_Validation(t *testing.T) {
	t.Parallel()

	tracer := noop.NewTracerProvider().Tracer("test")
	_, err := NewEventBus(nil, nil, testConfig(), logger.Noop(), nil, tracer)
	assert.ErrorContains(t, err, "metrics are required")

	cfg := testConfig()
	cfg.TriggerTopic = ""
	_, err = NewEventBus(nil, nil, cfg, logger.Noop(), NewMetrics(prometheus.NewRegistry()), tracer)
	assert.ErrorContains(t, err, "topics are required")
}

func TestPublish_RoutesToTopicWithKeyAndHeaders(t *testing.T) {
	t.Parallel()

	producer := mocks.NewSyncProducer(t, nil)
	evt := stateChanged()
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "gate.state" {
			return errors.New("wrong topic " + msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "gate" {
			return errors.New("wrong key " + string(key))
		}
		value, _ := msg.Value.Encode()
		env, err := serialization.DeserializeEventEnvelope(value)
		if err != nil {
			return err
		}
		if env.Payload != evt {
			return errors.New("payload mismatch")
		}
		for _, h := range msg.Headers {
			if string(h.Key) == "source" && string(h.Value) == "engine" {
				return nil
			}
		}
		return errors.New("source header missing")
	})

	bus, metrics := newTestBus(t, producer, &fakeGroup{})
	err := bus.Publish(context.Background(), envelopeFor(evt),
		events.WithKey("gate"), events.WithHeaders(map[string]string{"source": "engine"}))
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.published.WithLabelValues("gate.state")))
	require.NoError(t, bus.Close())
}

func TestPublish_UnknownEventType(t *testing.T) {
	t.Parallel()

	producer := mocks.NewSyncProducer(t, nil)
	bus, _ := newTestBus(t, producer, &fakeGroup{})

	err := bus.Publish(context.Background(), events.EventEnvelope{Type: "Other"})
	assert.ErrorContains(t, err, "no topic mapped")
	require.NoError(t, bus.Close())
}

func TestPublish_RetriesCriticalEvents(t *testing.T) {
	t.Parallel()

	brokerErr := sarama.ErrLeaderNotAvailable
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(brokerErr)
	producer.ExpectSendMessageAndFail(brokerErr)
	producer.ExpectSendMessageAndSucceed()

	bus, metrics := newTestBus(t, producer, &fakeGroup{})
	evt := gate.ReconstructTriggerCompletedEvent(time.Now(), uuid.New(), true, "udp://gate:8050", time.Second, 1, "")
	require.NoError(t, bus.Publish(context.Background(), envelopeFor(evt)))

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.retries.WithLabelValues("gate.trigger")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.publishErrors.WithLabelValues("gate.trigger")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.published.WithLabelValues("gate.trigger")))
	require.NoError(t, bus.Close())
}

func TestPublish_GivesUpAfterRetries(t *testing.T) {
	t.Parallel()

	producer := mocks.NewSyncProducer(t, nil)
	for range DefaultPublishRetries + 1 {
		producer.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)
	}

	bus, _ := newTestBus(t, producer, &fakeGroup{})
	err := bus.Publish(context.Background(), envelopeFor(stateChanged()))
	assert.ErrorIs(t, err, sarama.ErrNotLeaderForPartition)
	require.NoError(t, bus.Close())
}

func TestPublish_NonCriticalEventsAreNotRetried(t *testing.T) {
	t.Parallel()

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrLeaderNotAvailable)

	bus, metrics := newTestBus(t, producer, &fakeGroup{})
	evt := gate.ReconstructReachabilityCheckedEvent(time.Now(), false, nil, []string{"udp://gate:8050"})
	err := bus.Publish(context.Background(), envelopeFor(evt))
	assert.ErrorIs(t, err, sarama.ErrLeaderNotAvailable)
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.retries.WithLabelValues("gate.reachability")))
	require.NoError(t, bus.Close())
}

func consumerMessage(t *testing.T, topic string, offset int64, evt events.DomainEvent) *sarama.ConsumerMessage {
	t.Helper()
	data, err := serialization.SerializeEventEnvelope(envelopeFor(evt))
	require.NoError(t, err)
	return &sarama.ConsumerMessage{Topic: topic, Offset: offset, Key: []byte("gate"), Value: data}
}

func TestSubscribe_DeliversDecodedEvents(t *testing.T) {
	t.Parallel()

	evt := stateChanged()
	group := &fakeGroup{messages: []*sarama.ConsumerMessage{
		consumerMessage(t, "gate.state", 10, evt),
		{Topic: "gate.state", Offset: 11, Value: []byte{0xff, 0x01}},
	}}
	bus, metrics := newTestBus(t, mocks.NewSyncProducer(t, nil), group)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan events.EventEnvelope, 1)
	err := bus.Subscribe(ctx, []events.EventType{gate.EventTypeGateStateChanged},
		func(_ context.Context, env events.EventEnvelope) error {
			got <- env
			return nil
		})
	require.NoError(t, err)

	select {
	case env := <-got:
		assert.Equal(t, gate.EventTypeGateStateChanged, env.Type)
		assert.Equal(t, "gate", env.Key)
		assert.Equal(t, evt, env.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	require.Eventually(t, func() bool {
		group.mu.Lock()
		defer group.mu.Unlock()
		return len(group.sessions) == 1
	}, 2*time.Second, 5*time.Millisecond)

	sess := group.sessions[0]
	assert.Equal(t, []int64{10, 11}, sess.marked, "undecodable messages are still marked")
	assert.GreaterOrEqual(t, sess.commits, 1)
	assert.Equal(t, []string{"gate.state"}, group.topics)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.consumed.WithLabelValues("gate.state")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.consumeErrors.WithLabelValues("gate.state")))

	cancel()
	require.NoError(t, bus.Close())
	assert.True(t, group.closed)
}

func TestSubscribe_HandlerErrorIsCounted(t *testing.T) {
	t.Parallel()

	group := &fakeGroup{messages: []*sarama.ConsumerMessage{consumerMessage(t, "gate.state", 3, stateChanged())}}
	bus, metrics := newTestBus(t, mocks.NewSyncProducer(t, nil), group)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, bus.Subscribe(ctx, []events.EventType{gate.EventTypeGateStateChanged},
		func(context.Context, events.EventEnvelope) error { return errors.New("handler failed") }))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.consumeErrors.WithLabelValues("gate.state")) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.consumed.WithLabelValues("gate.state")))

	cancel()
	require.NoError(t, bus.Close())
}

func TestSubscribe_Validation(t *testing.T) {
	t.Parallel()

	bus, _ := newTestBus(t, mocks.NewSyncProducer(t, nil), &fakeGroup{})
	noopHandler := func(context.Context, events.EventEnvelope) error { return nil }

	assert.ErrorContains(t, bus.Subscribe(context.Background(), []events.EventType{"Other"}, noopHandler),
		"unknown event type")
	assert.Error(t, bus.Subscribe(context.Background(), nil, noopHandler))
	assert.Error(t, bus.Subscribe(context.Background(), []events.EventType{gate.EventTypeGateStateChanged}, nil))
	require.NoError(t, bus.Close())
}
