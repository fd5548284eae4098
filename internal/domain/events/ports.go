// Package events provides domain event handling capabilities for communicating
// state changes across system boundaries in a decoupled way.
package events

import "context"

// DomainEventPublisher publishes domain events to notify other parts of the
// system about important domain changes. It decouples event producers from the
// underlying messaging infrastructure.
type DomainEventPublisher interface {
	// PublishDomainEvent sends a domain event to interested subscribers.
	PublishDomainEvent(ctx context.Context, event DomainEvent, opts ...PublishOption) error
}

// HandlerFunc processes a single event envelope delivered by an EventBus.
type HandlerFunc func(ctx context.Context, evt EventEnvelope) error

// EventBus enables publishing and subscribing to domain events. It abstracts
// messaging infrastructure details (Kafka, in-memory) so domain logic stays
// focused on business concerns.
type EventBus interface {
	// Publish broadcasts an event to all interested subscribers.
	Publish(ctx context.Context, event EventEnvelope, opts ...PublishOption) error

	// Subscribe registers a handler for the given event types. The subscription
	// lives until ctx is canceled.
	Subscribe(ctx context.Context, eventTypes []EventType, handler HandlerFunc) error

	// Close releases the resources held by the bus.
	Close() error
}
