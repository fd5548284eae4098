package gate

import (
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/gatekeeper/internal/domain/events"
)

// Event types emitted by the gate engine.
const (
	EventTypeGateStateChanged        events.EventType = "GateStateChanged"
	EventTypeGateTriggerCompleted    events.EventType = "GateTriggerCompleted"
	EventTypeGateReachabilityChecked events.EventType = "GateReachabilityChecked"
)

// StateChangedEvent is published for every applied transition.
type StateChangedEvent struct {
	occurredAt time.Time
	From       State
	To         State
	Cause      EventKind
	CycleID    uuid.UUID
}

// NewStateChangedEvent creates a StateChangedEvent from a transition record.
func NewStateChangedEvent(rec TransitionRecord) StateChangedEvent {
	return StateChangedEvent{
		occurredAt: rec.Timestamp,
		From:       rec.From,
		To:         rec.To,
		Cause:      rec.Event.Kind,
		CycleID:    rec.Event.CycleID,
	}
}

// ReconstructStateChangedEvent rebuilds a StateChangedEvent decoded from the wire.
func ReconstructStateChangedEvent(at time.Time, from, to State, cause EventKind, cycleID uuid.UUID) StateChangedEvent {
	return StateChangedEvent{occurredAt: at, From: from, To: to, Cause: cause, CycleID: cycleID}
}

func (e StateChangedEvent) EventType() events.EventType { return EventTypeGateStateChanged }
func (e StateChangedEvent) OccurredAt() time.Time       { return e.occurredAt }

// TriggerCompletedEvent summarizes a finished coordinator run.
type TriggerCompletedEvent struct {
	occurredAt time.Time
	CycleID    uuid.UUID
	Success    bool
	Winner     string
	Elapsed    time.Duration
	Attempts   int
	Error      string
}

// NewTriggerCompletedEvent creates a TriggerCompletedEvent.
func NewTriggerCompletedEvent(cycleID uuid.UUID, res TriggerResult, err error) TriggerCompletedEvent {
	evt := TriggerCompletedEvent{
		occurredAt: time.Now(),
		CycleID:    cycleID,
		Success:    res.Success,
		Elapsed:    res.Elapsed,
		Attempts:   len(res.Attempts),
	}
	if res.Success {
		evt.Winner = res.Winner.String()
	}
	if err != nil {
		evt.Error = err.Error()
	}
	return evt
}

// ReconstructTriggerCompletedEvent rebuilds a TriggerCompletedEvent decoded from the wire.
func ReconstructTriggerCompletedEvent(
	at time.Time,
	cycleID uuid.UUID,
	success bool,
	winner string,
	elapsed time.Duration,
	attempts int,
	errMsg string,
) TriggerCompletedEvent {
	return TriggerCompletedEvent{
		occurredAt: at,
		CycleID:    cycleID,
		Success:    success,
		Winner:     winner,
		Elapsed:    elapsed,
		Attempts:   attempts,
		Error:      errMsg,
	}
}

func (e TriggerCompletedEvent) EventType() events.EventType { return EventTypeGateTriggerCompleted }
func (e TriggerCompletedEvent) OccurredAt() time.Time       { return e.occurredAt }

// ReachabilityCheckedEvent reports the aggregate of a probe round.
type ReachabilityCheckedEvent struct {
	occurredAt   time.Time
	AnyReachable bool
	Reachable    []string
	Unreachable  []string
}

// NewReachabilityCheckedEvent creates a ReachabilityCheckedEvent from probe results.
func NewReachabilityCheckedEvent(results []PingResult) ReachabilityCheckedEvent {
	evt := ReachabilityCheckedEvent{occurredAt: time.Now(), AnyReachable: AnyReachable(results)}
	for _, r := range results {
		if r.Reachable {
			evt.Reachable = append(evt.Reachable, r.Target.String())
		} else {
			evt.Unreachable = append(evt.Unreachable, r.Target.String())
		}
	}
	return evt
}

// ReconstructReachabilityCheckedEvent rebuilds a ReachabilityCheckedEvent decoded from the wire.
func ReconstructReachabilityCheckedEvent(at time.Time, anyReachable bool, reachable, unreachable []string) ReachabilityCheckedEvent {
	return ReachabilityCheckedEvent{
		occurredAt:   at,
		AnyReachable: anyReachable,
		Reachable:    reachable,
		Unreachable:  unreachable,
	}
}

func (e ReachabilityCheckedEvent) EventType() events.EventType {
	return EventTypeGateReachabilityChecked
}
func (e ReachabilityCheckedEvent) OccurredAt() time.Time { return e.occurredAt }
