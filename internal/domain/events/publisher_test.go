package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBus struct {
	published []EventEnvelope
	err       error
}

func (b *fakeBus) Publish(_ context.Context, evt EventEnvelope, _ ...PublishOption) error {
	b.published = append(b.published, evt)
	return b.err
}

func (b *fakeBus) Subscribe(context.Context, []EventType, HandlerFunc) error { return nil }

func (b *fakeBus) Close() error { return nil }

type testEvent struct{ at time.Time }

func (e testEvent) EventType() EventType  { return "TestEvent" }
func (e testEvent) OccurredAt() time.Time { return e.at }

func TestBusPublisher_WrapsEventInEnvelope(t *testing.T) {
	bus := new(fakeBus)
	pub := NewBusPublisher(bus)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	err := pub.PublishDomainEvent(context.Background(), testEvent{at: at},
		WithKey("gate-1"), WithHeaders(map[string]string{"source": "test"}))
	require.NoError(t, err)

	require.Len(t, bus.published, 1)
	env := bus.published[0]
	assert.Equal(t, EventType("TestEvent"), env.Type)
	assert.Equal(t, "gate-1", env.Key)
	assert.Equal(t, "test", env.Headers["source"])
	assert.Equal(t, at, env.Timestamp)
	assert.Equal(t, testEvent{at: at}, env.Payload)
}

func TestBusPublisher_PropagatesBusError(t *testing.T) {
	wantErr := errors.New("broker down")
	pub := NewBusPublisher(&fakeBus{err: wantErr})

	err := pub.PublishDomainEvent(context.Background(), testEvent{at: time.Now()})
	assert.ErrorIs(t, err, wantErr)
}
