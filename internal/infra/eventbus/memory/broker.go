// Package memory provides an in-memory implementation of the event bus.
// It offers a lightweight, non-persistent broker suitable for single-process
// deployments and tests where durability is not required.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ahrav/gatekeeper/internal/domain/events"
)

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("event bus closed")

type subscription[T any] struct {
	id      uint64
	handler func(context.Context, T) error
}

type handlerList[T any] []subscription[T]

var _ events.EventBus = (*Broker)(nil)

// Broker delivers published envelopes synchronously to every handler
// subscribed to the envelope's type. Handlers run on the publisher's
// goroutine in subscription order.
type Broker struct {
	mu       sync.RWMutex
	nextID   uint64
	closed   bool
	handlers map[events.EventType]*handlerList[events.EventEnvelope]
}

// NewBroker creates an empty in-memory broker.
func NewBroker() *Broker {
	return &Broker{handlers: make(map[events.EventType]*handlerList[events.EventEnvelope])}
}

// subscribe is a generic helper that registers handler and removes it once
// ctx is done.
func subscribe[T any](
	ctx context.Context,
	mu *sync.RWMutex,
	handlers *handlerList[T],
	id uint64,
	handler func(context.Context, T) error,
) {
	mu.Lock()
	*handlers = append(*handlers, subscription[T]{id: id, handler: handler})
	mu.Unlock()

	go func() {
		<-ctx.Done()
		mu.Lock()
		defer mu.Unlock()
		for i, s := range *handlers {
			if s.id == id {
				*handlers = append((*handlers)[:i], (*handlers)[i+1:]...)
				return
			}
		}
	}()
}

// publish is a generic helper that invokes every handler, stopping at the
// first error.
func publish[T any](ctx context.Context, mu *sync.RWMutex, handlers *handlerList[T], msg T) error {
	mu.RLock()
	// Copy so handlers run without the lock held.
	handlersCopy := make([]subscription[T], len(*handlers))
	copy(handlersCopy, *handlers)
	mu.RUnlock()

	for _, s := range handlersCopy {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.handler(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// Publish delivers event to the handlers subscribed to its type. Options
// override the envelope's key and headers.
func (b *Broker) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	params := events.ApplyOptions(opts)
	if params.Key != "" {
		event.Key = params.Key
	}
	if params.Headers != nil {
		event.Headers = params.Headers
	}

	b.mu.RLock()
	closed := b.closed
	handlers := b.handlers[event.Type]
	b.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if handlers == nil {
		return nil
	}

	if err := publish(ctx, &b.mu, handlers, event); err != nil {
		return fmt.Errorf("deliver %s: %w", event.Type, err)
	}
	return nil
}

// Subscribe registers handler for every type in eventTypes. The handler is
// removed when ctx is canceled.
func (b *Broker) Subscribe(ctx context.Context, eventTypes []events.EventType, handler events.HandlerFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if handler == nil {
		return errors.New("handler cannot be nil")
	}
	if len(eventTypes) == 0 {
		return errors.New("at least one event type is required")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.nextID++
	id := b.nextID
	lists := make([]*handlerList[events.EventEnvelope], 0, len(eventTypes))
	for _, et := range eventTypes {
		list, ok := b.handlers[et]
		if !ok {
			list = new(handlerList[events.EventEnvelope])
			b.handlers[et] = list
		}
		lists = append(lists, list)
	}
	b.mu.Unlock()

	for _, list := range lists {
		subscribe(ctx, &b.mu, list, id, handler)
	}
	return nil
}

// Close drops every subscription. Subsequent Publish and Subscribe calls
// return ErrClosed.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	clear(b.handlers)
	return nil
}
