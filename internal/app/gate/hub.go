package gate

import (
	"context"
	"sync"

	domain "github.com/ahrav/gatekeeper/internal/domain/gate"
)

// DefaultHubBuffer is the per-watcher channel capacity.
const DefaultHubBuffer = 16

var _ domain.Observer = (*Hub)(nil)

// Hub fans transitions out to any number of channel watchers. Delivery never
// blocks the engine loop: a watcher whose buffer is full misses the record,
// and every record it does receive arrives in transition order.
type Hub struct {
	mu       sync.Mutex
	buffer   int
	nextID   uint64
	watchers map[uint64]chan domain.TransitionRecord
	dropped  uint64
}

// NewHub creates a hub. A buffer below one uses DefaultHubBuffer.
func NewHub(buffer int) *Hub {
	if buffer < 1 {
		buffer = DefaultHubBuffer
	}
	return &Hub{buffer: buffer, watchers: make(map[uint64]chan domain.TransitionRecord)}
}

// Watch returns a channel receiving every subsequent transition. The channel
// is closed once ctx is done.
func (h *Hub) Watch(ctx context.Context) <-chan domain.TransitionRecord {
	ch := make(chan domain.TransitionRecord, h.buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.watchers[id] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.watchers, id)
		h.mu.Unlock()
		close(ch)
	}()
	return ch
}

// OnTransition implements domain.Observer.
func (h *Hub) OnTransition(_ context.Context, rec domain.TransitionRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.watchers {
		select {
		case ch <- rec:
		default:
			h.dropped++
		}
	}
}

// Dropped returns how many records were skipped for slow watchers.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}
