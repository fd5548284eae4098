// Package eventdispatcher routes event envelopes to the one handler
// registered for their type.
package eventdispatcher

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/gatekeeper/internal/domain/events"
	"github.com/ahrav/gatekeeper/pkg/common/logger"
)

// Dispatcher manages event handlers and dispatches events to their registered
// handler. Each event type has exactly one handler.
//
// Typical usage:
//
//	d := eventdispatcher.New(tracer, log)
//	d.RegisterHandler(ctx, gate.EventTypeGateStateChanged, onStateChanged)
//	bus.Subscribe(ctx, d.EventTypes(), d.Dispatch)
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[events.EventType]events.HandlerFunc
	tracer   trace.Tracer
	logger   *logger.Logger
}

// New constructs a Dispatcher with an empty registry.
func New(tracer trace.Tracer, logger *logger.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[events.EventType]events.HandlerFunc),
		tracer:   tracer,
		logger:   logger.With("component", "event_dispatcher"),
	}
}

// RegisterHandler associates a handler with an event type, replacing any
// previous handler for it. Safe for concurrent use.
func (d *Dispatcher) RegisterHandler(ctx context.Context, eventType events.EventType, handler events.HandlerFunc) {
	_, span := d.tracer.Start(ctx, "event_dispatcher.register_handler",
		trace.WithAttributes(attribute.String("event_type", string(eventType))),
	)
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.handlers[eventType] = handler
	d.logger.Debug(ctx, "handler registered", "event_type", eventType)
}

// EventTypes returns the registered event types in sorted order.
func (d *Dispatcher) EventTypes() []events.EventType {
	d.mu.RLock()
	defer d.mu.RUnlock()

	types := make([]events.EventType, 0, len(d.handlers))
	for t := range d.handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// HandlerNotFoundError indicates no handler is registered for an event type.
type HandlerNotFoundError struct {
	EventType events.EventType
}

func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("no handler registered for event type: %s", e.EventType)
}

// Dispatch runs the handler registered for evt.Type. It has the signature of
// events.HandlerFunc so it can be subscribed to a bus directly.
func (d *Dispatcher) Dispatch(ctx context.Context, evt events.EventEnvelope) error {
	ctx, span := d.tracer.Start(ctx, "event_dispatcher.handle_event",
		trace.WithAttributes(attribute.String("event_type", string(evt.Type))),
	)
	defer span.End()

	d.mu.RLock()
	handler, exists := d.handlers[evt.Type]
	d.mu.RUnlock()
	if !exists {
		err := &HandlerNotFoundError{EventType: evt.Type}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := handler(ctx, evt); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("dispatch event type %s: %w", evt.Type, err)
	}

	span.SetStatus(codes.Ok, "event dispatched")
	d.logger.Debug(ctx, "event dispatched", "event_type", evt.Type)
	return nil
}
