package gate

import "time"

// Transition is the engine's state transition function. It is total: every
// (state, event) pair yields either a new state or a no-op, reported by the
// second return value. It has no side effects.
func Transition(s State, e Event) (State, bool) {
	switch s {
	case StateReady:
		switch e.Kind {
		case EventUserPressed:
			return StateTriggering, true
		case EventConfigChanged, EventStaleReachability:
			return StateCheckingNetwork, true
		}

	case StateCheckingNetwork:
		if e.Kind == EventReachability {
			if e.AnyReachable {
				return StateReady, true
			}
			if e.RetriesExhausted {
				return StateNoNetwork, true
			}
		}

	case StateNoNetwork:
		switch e.Kind {
		case EventUserPressed, EventConfigChanged, EventStaleReachability:
			return StateCheckingNetwork, true
		}

	case StateTriggering:
		switch e.Kind {
		case EventRelayChanged:
			if e.Relay == RelayActivated {
				return StateWaitingForRelayClose, true
			}
		case EventRequestComplete:
			return StateReady, true
		case EventTimeout:
			return StateTimeout, true
		case EventRequestFailed:
			return StateError, true
		}

	case StateWaitingForRelayClose:
		switch e.Kind {
		case EventRelayChanged:
			if e.Relay == RelayReleased {
				return StateReady, true
			}
		case EventTimeout:
			return StateTimeout, true
		}

	case StateTimeout, StateError:
		switch e.Kind {
		case EventRetry, EventUserPressed:
			return StateReady, true
		}
	}

	return s, false
}

// TransitionRecord is the notification delivered to observers for every
// applied transition.
type TransitionRecord struct {
	From      State
	To        State
	Event     Event
	Timestamp time.Time
}
