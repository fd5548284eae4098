// Package gate contains the domain model of the gate control engine: its
// states, events, the pure transition function, targets and the ports the
// application layer depends on.
package gate

import (
	"context"
	"time"
)

// RelayFunc receives relay state changes reported by an adapter.
type RelayFunc func(RelayState)

// Adapter is a protocol specific implementation of the trigger capability for
// one Target.
type Adapter interface {
	// Name identifies the adapter in logs and attempt records.
	Name() string

	// Trigger sends the trigger command and blocks until the relay released,
	// the device misbehaved, or ctx is done. Relay changes are reported through
	// onRelay before Trigger returns. A second concurrent call fails with ErrBusy.
	Trigger(ctx context.Context, onRelay RelayFunc) error

	// Cancel synchronously releases every resource held by an in-flight
	// Trigger. It is safe to call at any time, any number of times.
	Cancel()
}

// AdapterFactory provides the adapter for a target.
type AdapterFactory interface {
	// Adapter returns the adapter for target, creating it when needed.
	Adapter(ctx context.Context, target Target) (Adapter, error)

	// Invalidate drops cached adapters whose targets are not in current.
	Invalidate(current []Target)
}

// Prober checks endpoint liveness. It never fails; every internal error is
// reported as unreachable.
type Prober interface {
	ProbeMany(ctx context.Context, targets []Target, timeout time.Duration) []PingResult
}

// Credentials authenticate against a connection-oriented transport.
type Credentials struct {
	Username string
	Password string
}

// ConfigSource supplies targets and credentials. Inputs are assumed validated.
type ConfigSource interface {
	// Targets returns the configured targets in priority order.
	Targets(ctx context.Context) ([]Target, error)

	// Credentials returns the credentials for target, or nil when none are configured.
	Credentials(ctx context.Context, target Target) (*Credentials, error)
}

// Observer is notified of every applied transition, in transition order.
type Observer interface {
	OnTransition(ctx context.Context, rec TransitionRecord)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ctx context.Context, rec TransitionRecord)

// OnTransition calls f.
func (f ObserverFunc) OnTransition(ctx context.Context, rec TransitionRecord) { f(ctx, rec) }
