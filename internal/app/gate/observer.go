package gate

import (
	"context"
	"sync/atomic"

	"github.com/ahrav/gatekeeper/internal/domain/events"
	domain "github.com/ahrav/gatekeeper/internal/domain/gate"
	"github.com/ahrav/gatekeeper/pkg/common/logger"
)

// DefaultPublishQueue is the number of transitions buffered for publishing.
const DefaultPublishQueue = 64

// PublishingObserver publishes every transition as a GateStateChanged domain
// event. OnTransition only enqueues; Run publishes in transition order on its
// own goroutine, so a slow or unavailable broker never stalls the engine loop.
// When the queue is full the transition is dropped and logged.
type PublishingObserver struct {
	publisher events.DomainEventPublisher
	queue     chan domain.TransitionRecord
	dropped   atomic.Uint64
	logger    *logger.Logger
}

var _ domain.Observer = (*PublishingObserver)(nil)

// NewPublishingObserver creates an observer publishing through publisher with
// a queue of size entries. A non-positive size uses DefaultPublishQueue.
func NewPublishingObserver(publisher events.DomainEventPublisher, size int, logger *logger.Logger) *PublishingObserver {
	if size <= 0 {
		size = DefaultPublishQueue
	}
	return &PublishingObserver{
		publisher: publisher,
		queue:     make(chan domain.TransitionRecord, size),
		logger:    logger.With("component", "publishing_observer"),
	}
}

// OnTransition queues rec for publishing.
func (o *PublishingObserver) OnTransition(ctx context.Context, rec domain.TransitionRecord) {
	select {
	case o.queue <- rec:
	default:
		o.dropped.Add(1)
		o.logger.Warn(ctx, "Publish queue full; dropping state change",
			"from", rec.From.String(), "to", rec.To.String())
	}
}

// Run publishes queued transitions until ctx is done. Publish failures are
// logged, never propagated back into the state machine.
func (o *PublishingObserver) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case rec := <-o.queue:
			evt := domain.NewStateChangedEvent(rec)
			if err := o.publisher.PublishDomainEvent(ctx, evt, events.WithKey("gate")); err != nil {
				o.logger.Error(ctx, "Failed to publish state change",
					"from", rec.From.String(), "to", rec.To.String(), "error", err)
			}
		}
	}
}

// Dropped reports how many transitions were discarded on a full queue.
func (o *PublishingObserver) Dropped() uint64 { return o.dropped.Load() }
