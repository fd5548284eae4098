package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/gatekeeper/internal/domain/events"
	"github.com/ahrav/gatekeeper/internal/domain/gate"
)

func stateEnvelope(to gate.State) events.EventEnvelope {
	return events.EventEnvelope{
		Type:      gate.EventTypeGateStateChanged,
		Timestamp: time.Now(),
		Payload: gate.NewStateChangedEvent(gate.TransitionRecord{
			From: gate.StateReady, To: to, Event: gate.UserPressed(), Timestamp: time.Now(),
		}),
	}
}

func TestPublishAndSubscribe(t *testing.T) {
	t.Parallel()

	broker := NewBroker()
	ctx := context.Background()

	var got []events.EventEnvelope
	err := broker.Subscribe(ctx, []events.EventType{gate.EventTypeGateStateChanged},
		func(_ context.Context, evt events.EventEnvelope) error {
			got = append(got, evt)
			return nil
		})
	require.NoError(t, err)

	env := stateEnvelope(gate.StateTriggering)
	require.NoError(t, broker.Publish(ctx, env, events.WithKey("gate")))

	require.Len(t, got, 1)
	assert.Equal(t, "gate", got[0].Key)
	assert.Equal(t, env.Payload, got[0].Payload)
}

func TestMultipleSubscribers(t *testing.T) {
	t.Parallel()

	broker := NewBroker()
	ctx := context.Background()
	var wg sync.WaitGroup
	subscriberCount := 3
	wg.Add(subscriberCount)

	for range subscriberCount {
		err := broker.Subscribe(ctx, []events.EventType{gate.EventTypeGateStateChanged},
			func(context.Context, events.EventEnvelope) error {
				wg.Done()
				return nil
			})
		require.NoError(t, err)
	}

	require.NoError(t, broker.Publish(ctx, stateEnvelope(gate.StateCheckingNetwork)))
	wg.Wait()
}

func TestPublish_RoutesByEventType(t *testing.T) {
	t.Parallel()

	broker := NewBroker()
	ctx := context.Background()

	var states, checks int
	require.NoError(t, broker.Subscribe(ctx, []events.EventType{gate.EventTypeGateStateChanged},
		func(context.Context, events.EventEnvelope) error { states++; return nil }))
	require.NoError(t, broker.Subscribe(ctx,
		[]events.EventType{gate.EventTypeGateReachabilityChecked, gate.EventTypeGateStateChanged},
		func(context.Context, events.EventEnvelope) error { checks++; return nil }))

	require.NoError(t, broker.Publish(ctx, stateEnvelope(gate.StateTriggering)))
	require.NoError(t, broker.Publish(ctx, events.EventEnvelope{
		Type:    gate.EventTypeGateReachabilityChecked,
		Payload: gate.NewReachabilityCheckedEvent(nil),
	}))
	require.NoError(t, broker.Publish(ctx, events.EventEnvelope{Type: gate.EventTypeGateTriggerCompleted}))

	assert.Equal(t, 1, states)
	assert.Equal(t, 2, checks)
}

func TestPublish_StopsAtFirstHandlerError(t *testing.T) {
	t.Parallel()

	broker := NewBroker()
	ctx := context.Background()
	handlerErr := errors.New("handler failed")

	var secondCalled bool
	require.NoError(t, broker.Subscribe(ctx, []events.EventType{gate.EventTypeGateStateChanged},
		func(context.Context, events.EventEnvelope) error { return handlerErr }))
	require.NoError(t, broker.Subscribe(ctx, []events.EventType{gate.EventTypeGateStateChanged},
		func(context.Context, events.EventEnvelope) error { secondCalled = true; return nil }))

	err := broker.Publish(ctx, stateEnvelope(gate.StateError))
	assert.ErrorIs(t, err, handlerErr)
	assert.False(t, secondCalled)
}

func TestSubscribe_RemovedOnContextCancel(t *testing.T) {
	t.Parallel()

	broker := NewBroker()
	subCtx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	calls := 0
	require.NoError(t, broker.Subscribe(subCtx, []events.EventType{gate.EventTypeGateStateChanged},
		func(context.Context, events.EventEnvelope) error {
			mu.Lock()
			defer mu.Unlock()
			calls++
			return nil
		}))

	require.NoError(t, broker.Publish(context.Background(), stateEnvelope(gate.StateTriggering)))
	cancel()

	require.Eventually(t, func() bool {
		broker.mu.RLock()
		defer broker.mu.RUnlock()
		return len(*broker.handlers[gate.EventTypeGateStateChanged]) == 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, broker.Publish(context.Background(), stateEnvelope(gate.StateReady)))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestSubscribe_Validation(t *testing.T) {
	t.Parallel()

	broker := NewBroker()
	noop := func(context.Context, events.EventEnvelope) error { return nil }

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, broker.Subscribe(cancelled, []events.EventType{gate.EventTypeGateStateChanged}, noop), context.Canceled)
	assert.Error(t, broker.Subscribe(context.Background(), []events.EventType{gate.EventTypeGateStateChanged}, nil))
	assert.Error(t, broker.Subscribe(context.Background(), nil, noop))
}

func TestClose(t *testing.T) {
	t.Parallel()

	broker := NewBroker()
	ctx := context.Background()
	noop := func(context.Context, events.EventEnvelope) error { return nil }
	require.NoError(t, broker.Subscribe(ctx, []events.EventType{gate.EventTypeGateStateChanged}, noop))

	require.NoError(t, broker.Close())
	assert.ErrorIs(t, broker.Publish(ctx, stateEnvelope(gate.StateReady)), ErrClosed)
	assert.ErrorIs(t, broker.Subscribe(ctx, []events.EventType{gate.EventTypeGateStateChanged}, noop), ErrClosed)
}

func TestPublisher_OverMemoryBus(t *testing.T) {
	t.Parallel()

	broker := NewBroker()
	ctx := context.Background()

	var got events.EventEnvelope
	require.NoError(t, broker.Subscribe(ctx, []events.EventType{gate.EventTypeGateTriggerCompleted},
		func(_ context.Context, evt events.EventEnvelope) error { got = evt; return nil }))

	evt := gate.NewTriggerCompletedEvent(uuid.New(), gate.TriggerResult{}, errors.New("boom"))
	require.NoError(t, events.NewBusPublisher(broker).PublishDomainEvent(ctx, evt, events.WithKey("gate")))

	assert.Equal(t, gate.EventTypeGateTriggerCompleted, got.Type)
	assert.Equal(t, "gate", got.Key)
	assert.Equal(t, evt.OccurredAt(), got.Timestamp)
	assert.Equal(t, evt, got.Payload)
}
