package gate

import (
	"time"

	"github.com/google/uuid"
)

// EventKind identifies what happened to the engine.
type EventKind string

const (
	EventUserPressed       EventKind = "USER_PRESSED"
	EventConfigChanged     EventKind = "CONFIG_CHANGED"
	EventStaleReachability EventKind = "STALE_REACHABILITY"
	EventReachability      EventKind = "REACHABILITY_RESULT"
	EventRelayChanged      EventKind = "RELAY_CHANGED"
	EventRequestComplete   EventKind = "REQUEST_COMPLETE"
	EventRequestFailed     EventKind = "REQUEST_FAILED"
	EventTimeout           EventKind = "TIMEOUT"
	EventRetry             EventKind = "RETRY"
)

func (k EventKind) String() string { return string(k) }

// Event is the input to the state transition function. Only the fields that
// are meaningful for Kind are populated.
type Event struct {
	Kind EventKind

	// CycleID ties coordinator feedback to the trigger cycle that produced it.
	// uuid.Nil means the event is not bound to a cycle.
	CycleID uuid.UUID

	// AnyReachable and RetriesExhausted describe a REACHABILITY_RESULT.
	AnyReachable     bool
	RetriesExhausted bool

	// Relay describes a RELAY_CHANGED.
	Relay RelayState

	// RelayFeedback reports, for REQUEST_COMPLETE, whether the adapter observed
	// any relay signal during the cycle.
	RelayFeedback bool

	// Err carries the failure cause of REQUEST_FAILED or TIMEOUT.
	Err error

	At time.Time
}

// UserPressed returns a USER_PRESSED event.
func UserPressed() Event { return Event{Kind: EventUserPressed, At: time.Now()} }

// ConfigChanged returns a CONFIG_CHANGED event.
func ConfigChanged() Event { return Event{Kind: EventConfigChanged, At: time.Now()} }

// StaleReachability returns a STALE_REACHABILITY event.
func StaleReachability() Event { return Event{Kind: EventStaleReachability, At: time.Now()} }

// ReachabilityResult returns a REACHABILITY_RESULT event.
func ReachabilityResult(anyReachable, retriesExhausted bool) Event {
	return Event{
		Kind:             EventReachability,
		AnyReachable:     anyReachable,
		RetriesExhausted: retriesExhausted,
		At:               time.Now(),
	}
}

// RelayChanged returns a RELAY_CHANGED event for the given cycle.
func RelayChanged(cycleID uuid.UUID, relay RelayState) Event {
	return Event{Kind: EventRelayChanged, CycleID: cycleID, Relay: relay, At: time.Now()}
}

// RequestComplete returns a REQUEST_COMPLETE event for the given cycle.
func RequestComplete(cycleID uuid.UUID, relayFeedback bool) Event {
	return Event{Kind: EventRequestComplete, CycleID: cycleID, RelayFeedback: relayFeedback, At: time.Now()}
}

// RequestFailed returns a REQUEST_FAILED event for the given cycle.
func RequestFailed(cycleID uuid.UUID, err error) Event {
	return Event{Kind: EventRequestFailed, CycleID: cycleID, Err: err, At: time.Now()}
}

// Timeout returns a TIMEOUT event.
func Timeout(err error) Event { return Event{Kind: EventTimeout, Err: err, At: time.Now()} }

// Retry returns a RETRY event.
func Retry() Event { return Event{Kind: EventRetry, At: time.Now()} }
