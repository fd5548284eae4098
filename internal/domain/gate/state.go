package gate

// State represents the current state of the gate engine. Exactly one state is
// active at any time; the engine starts in StateReady.
type State string

const (
	// StateReady indicates the engine is idle and will accept a trigger.
	StateReady State = "READY"

	// StateCheckingNetwork indicates a reachability probe is in flight.
	StateCheckingNetwork State = "CHECKING_NETWORK"

	// StateNoNetwork indicates every target failed its reachability probe.
	StateNoNetwork State = "NO_NETWORK"

	// StateTriggering indicates the coordinator is attempting the trigger.
	StateTriggering State = "TRIGGERING"

	// StateWaitingForRelayClose indicates the relay reported activation and the
	// engine is waiting for the physical release confirmation.
	StateWaitingForRelayClose State = "WAITING_FOR_RELAY_CLOSE"

	// StateTimeout indicates a budget expired before the cycle finished.
	StateTimeout State = "TIMEOUT"

	// StateError indicates the trigger failed on every target.
	StateError State = "ERROR"
)

// States lists every state in declaration order.
var States = []State{
	StateReady,
	StateCheckingNetwork,
	StateNoNetwork,
	StateTriggering,
	StateWaitingForRelayClose,
	StateTimeout,
	StateError,
}

func (s State) String() string { return string(s) }

// IsFailure reports whether the state is a user visible failure state. Every
// failure state auto-recovers to StateReady.
func (s State) IsFailure() bool { return s == StateTimeout || s == StateError }

// IsBusy reports whether a trigger cycle is in flight.
func (s State) IsBusy() bool { return s == StateTriggering || s == StateWaitingForRelayClose }

// ParseState converts a string to a State. Unknown values return "".
func ParseState(s string) State {
	switch s {
	case "READY":
		return StateReady
	case "CHECKING_NETWORK":
		return StateCheckingNetwork
	case "NO_NETWORK":
		return StateNoNetwork
	case "TRIGGERING":
		return StateTriggering
	case "WAITING_FOR_RELAY_CLOSE":
		return StateWaitingForRelayClose
	case "TIMEOUT":
		return StateTimeout
	case "ERROR":
		return StateError
	default:
		return ""
	}
}

// RelayState is the physical confirmation signal reported by the device.
type RelayState string

const (
	// RelayActivated means the relay closed and the gate motor was energized.
	RelayActivated RelayState = "ACTIVATED"
	// RelayReleased means the relay opened again, completing the cycle.
	RelayReleased RelayState = "RELEASED"
)

func (r RelayState) String() string { return string(r) }
