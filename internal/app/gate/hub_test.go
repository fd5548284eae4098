package gate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/ahrav/gatekeeper/internal/domain/gate"
)

func record(from, to domain.State) domain.TransitionRecord {
	return domain.TransitionRecord{From: from, To: to, Event: domain.UserPressed(), Timestamp: time.Now()}
}

func TestHub_DeliversInOrderToEveryWatcher(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(4)
	a, b := hub.Watch(ctx), hub.Watch(ctx)

	hub.OnTransition(ctx, record(domain.StateReady, domain.StateTriggering))
	hub.OnTransition(ctx, record(domain.StateTriggering, domain.StateWaitingForRelayClose))

	for _, ch := range []<-chan domain.TransitionRecord{a, b} {
		first, second := <-ch, <-ch
		assert.Equal(t, domain.StateTriggering, first.To)
		assert.Equal(t, domain.StateWaitingForRelayClose, second.To)
	}
	assert.Zero(t, hub.Dropped())
}

func TestHub_SlowWatcherDoesNotBlock(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(1)
	ch := hub.Watch(ctx)

	done := make(chan struct{})
	go func() {
		hub.OnTransition(ctx, record(domain.StateReady, domain.StateTriggering))
		hub.OnTransition(ctx, record(domain.StateTriggering, domain.StateReady))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnTransition blocked on a full watcher")
	}

	assert.Equal(t, domain.StateTriggering, (<-ch).To)
	assert.Equal(t, uint64(1), hub.Dropped())
}

func TestHub_WatchClosesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(0)
	ch := hub.Watch(ctx)

	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	// No watchers left; delivery is a no-op.
	hub.OnTransition(context.Background(), record(domain.StateReady, domain.StateTriggering))
	assert.Zero(t, hub.Dropped())
}
