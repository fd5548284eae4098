package eventdispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/gatekeeper/internal/domain/events"
	"github.com/ahrav/gatekeeper/pkg/common/logger"
)

func newTestDispatcher() *Dispatcher {
	return New(noop.NewTracerProvider().Tracer("test"), logger.Noop())
}

func TestDispatch_RoutesByType(t *testing.T) {
	ctx := context.Background()
	d := newTestDispatcher()

	var got []events.EventType
	record := func(_ context.Context, evt events.EventEnvelope) error {
		got = append(got, evt.Type)
		return nil
	}
	d.RegisterHandler(ctx, "b.event", record)
	d.RegisterHandler(ctx, "a.event", record)

	require.NoError(t, d.Dispatch(ctx, events.EventEnvelope{Type: "a.event"}))
	require.NoError(t, d.Dispatch(ctx, events.EventEnvelope{Type: "b.event"}))

	assert.Equal(t, []events.EventType{"a.event", "b.event"}, got)
	assert.Equal(t, []events.EventType{"a.event", "b.event"}, d.EventTypes())
}

func TestDispatch_ReplacesHandler(t *testing.T) {
	ctx := context.Background()
	d := newTestDispatcher()

	calls := 0
	d.RegisterHandler(ctx, "x", func(context.Context, events.EventEnvelope) error { return errors.New("old") })
	d.RegisterHandler(ctx, "x", func(context.Context, events.EventEnvelope) error { calls++; return nil })

	require.NoError(t, d.Dispatch(ctx, events.EventEnvelope{Type: "x"}))
	assert.Equal(t, 1, calls)
	assert.Len(t, d.EventTypes(), 1)
}

func TestDispatch_UnknownType(t *testing.T) {
	d := newTestDispatcher()

	err := d.Dispatch(context.Background(), events.EventEnvelope{Type: "missing"})

	var notFound *HandlerNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, events.EventType("missing"), notFound.EventType)
}

func TestDispatch_HandlerError(t *testing.T) {
	ctx := context.Background()
	d := newTestDispatcher()

	boom := errors.New("boom")
	d.RegisterHandler(ctx, "x", func(context.Context, events.EventEnvelope) error { return boom })

	err := d.Dispatch(ctx, events.EventEnvelope{Type: "x"})
	assert.ErrorIs(t, err, boom)
}

func TestDispatch_Concurrent(t *testing.T) {
	ctx := context.Background()
	d := newTestDispatcher()

	var (
		mu    sync.Mutex
		count int
	)
	d.RegisterHandler(ctx, "x", func(context.Context, events.EventEnvelope) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = d.Dispatch(ctx, events.EventEnvelope{Type: "x"})
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, count)
}
