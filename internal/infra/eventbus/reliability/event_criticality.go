// Package reliability classifies events by how much effort the transport
// should spend delivering them.
package reliability

import (
	"github.com/ahrav/gatekeeper/internal/domain/events"
	"github.com/ahrav/gatekeeper/internal/domain/gate"
)

// IsCriticalEvent determines if an event type must survive a transient
// broker failure. Critical events are retried on publish.
//
// Critical events are the ones that:
// 1. Won't be naturally retransmitted by subsequent messages
// 2. Record the outcome of a user action
func IsCriticalEvent(eventType events.EventType) bool {
	switch eventType {
	case gate.EventTypeGateStateChanged, gate.EventTypeGateTriggerCompleted:
		return true

	// Reachability is re-checked periodically so a lost report is replaced
	// by the next one.
	case gate.EventTypeGateReachabilityChecked:
		return false

	default:
		return false
	}
}
