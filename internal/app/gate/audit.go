package gate

import (
	"context"
	"fmt"

	"github.com/ahrav/gatekeeper/internal/domain/events"
	domain "github.com/ahrav/gatekeeper/internal/domain/gate"
	"github.com/ahrav/gatekeeper/pkg/common/logger"
)

// HandlerRegistrar accepts one handler per event type.
type HandlerRegistrar interface {
	RegisterHandler(ctx context.Context, eventType events.EventType, handler events.HandlerFunc)
}

// AuditLog writes one structured record per gate event consumed from the
// event bus.
type AuditLog struct {
	logger *logger.Logger
}

// NewAuditLog creates an AuditLog.
func NewAuditLog(logger *logger.Logger) *AuditLog {
	return &AuditLog{logger: logger.With("component", "gate_audit")}
}

// Register installs a handler for every gate event type.
func (a *AuditLog) Register(ctx context.Context, r HandlerRegistrar) {
	r.RegisterHandler(ctx, domain.EventTypeGateStateChanged, a.onStateChanged)
	r.RegisterHandler(ctx, domain.EventTypeGateTriggerCompleted, a.onTriggerCompleted)
	r.RegisterHandler(ctx, domain.EventTypeGateReachabilityChecked, a.onReachabilityChecked)
}

func (a *AuditLog) onStateChanged(ctx context.Context, env events.EventEnvelope) error {
	evt, err := payload[domain.StateChangedEvent](env)
	if err != nil {
		return err
	}
	a.logger.Info(ctx, "Gate state changed",
		"from", evt.From.String(),
		"to", evt.To.String(),
		"cause", evt.Cause.String(),
		"cycle_id", evt.CycleID.String(),
		"at", evt.OccurredAt(),
	)
	return nil
}

func (a *AuditLog) onTriggerCompleted(ctx context.Context, env events.EventEnvelope) error {
	evt, err := payload[domain.TriggerCompletedEvent](env)
	if err != nil {
		return err
	}
	if !evt.Success {
		a.logger.Warn(ctx, "Gate trigger failed",
			"cycle_id", evt.CycleID.String(),
			"elapsed", evt.Elapsed,
			"attempts", evt.Attempts,
			"error", evt.Error,
		)
		return nil
	}
	a.logger.Info(ctx, "Gate trigger completed",
		"cycle_id", evt.CycleID.String(),
		"winner", evt.Winner,
		"elapsed", evt.Elapsed,
		"attempts", evt.Attempts,
	)
	return nil
}

func (a *AuditLog) onReachabilityChecked(ctx context.Context, env events.EventEnvelope) error {
	evt, err := payload[domain.ReachabilityCheckedEvent](env)
	if err != nil {
		return err
	}
	a.logger.Info(ctx, "Gate reachability checked",
		"any_reachable", evt.AnyReachable,
		"reachable", evt.Reachable,
		"unreachable", evt.Unreachable,
	)
	return nil
}

// payload extracts the typed event from env. Buses deliver either the value
// or a pointer to it.
func payload[T events.DomainEvent](env events.EventEnvelope) (T, error) {
	switch p := env.Payload.(type) {
	case T:
		return p, nil
	case *T:
		if p != nil {
			return *p, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("unexpected payload %T for event type %s", env.Payload, env.Type)
}
