// Package gate runs the gate control engine: the state machine loop, the
// trigger coordinator that fails over between transports, and the observers
// that fan transitions out to the rest of the system.
package gate

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"

	domain "github.com/ahrav/gatekeeper/internal/domain/gate"
	"github.com/ahrav/gatekeeper/pkg/common/logger"
)

// Default budgets.
const (
	DefaultUDPBudget     = 2 * time.Second
	DefaultMQTTBudget    = 5 * time.Second
	DefaultReleaseBudget = 15 * time.Second
)

// CoordinatorConfig holds the per-attempt budgets.
type CoordinatorConfig struct {
	// Budgets is the default attempt budget per transport. Target.Timeout
	// overrides it.
	Budgets map[domain.TransportKind]time.Duration
	// ReleaseBudget replaces the attempt budget once the relay reported
	// activation.
	ReleaseBudget time.Duration
}

// DefaultCoordinatorConfig returns the stock budgets.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		Budgets: map[domain.TransportKind]time.Duration{
			domain.TransportUDP:  DefaultUDPBudget,
			domain.TransportMQTT: DefaultMQTTBudget,
		},
		ReleaseBudget: DefaultReleaseBudget,
	}
}

// Triggerer executes one trigger request across an ordered target list.
type Triggerer interface {
	Trigger(ctx context.Context, targets []domain.Target, onRelay domain.RelayFunc) (domain.TriggerResult, error)
	Budget(target domain.Target) time.Duration
}

var _ Triggerer = (*Coordinator)(nil)

// Coordinator attempts targets strictly in order, one at a time, until one
// adapter confirms the relay released. Once an adapter reports activation the
// attempt is committed: its budget is extended to the release budget and no
// other target is tried afterwards, so the relay is actuated at most once.
type Coordinator struct {
	factory domain.AdapterFactory
	cfg     CoordinatorConfig
	clock   clock.Clock
	busy    atomic.Bool

	metrics GateMetrics
	logger  *logger.Logger
	tracer  trace.Tracer
}

// NewCoordinator creates a Coordinator. A nil clk uses the wall clock.
func NewCoordinator(
	factory domain.AdapterFactory,
	cfg CoordinatorConfig,
	clk clock.Clock,
	metrics GateMetrics,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Coordinator {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.ReleaseBudget <= 0 {
		cfg.ReleaseBudget = DefaultReleaseBudget
	}
	return &Coordinator{
		factory: factory,
		cfg:     cfg,
		clock:   clk,
		metrics: metrics,
		logger:  logger.With("component", "trigger_coordinator"),
		tracer:  tracer,
	}
}

// Budget returns the attempt budget for target.
func (c *Coordinator) Budget(target domain.Target) time.Duration {
	if target.Timeout > 0 {
		return target.Timeout
	}
	if d, ok := c.cfg.Budgets[target.Kind]; ok && d > 0 {
		return d
	}
	switch target.Kind {
	case domain.TransportMQTT:
		return DefaultMQTTBudget
	default:
		return DefaultUDPBudget
	}
}

// Trigger runs the failover sequence. A call while another is in flight
// fails immediately with ErrBusy. When every target fails the returned error
// wraps ErrAllAdaptersFailed and every per-attempt error.
func (c *Coordinator) Trigger(
	ctx context.Context,
	targets []domain.Target,
	onRelay domain.RelayFunc,
) (domain.TriggerResult, error) {
	if !c.busy.CompareAndSwap(false, true) {
		return domain.TriggerResult{}, domain.ErrBusy
	}
	defer c.busy.Store(false)

	ctx, span := c.tracer.Start(ctx, "trigger_coordinator.trigger", trace.WithAttributes(
		attribute.Int("target_count", len(targets)),
	))
	defer span.End()

	if len(targets) == 0 {
		span.SetStatus(codes.Error, "no targets")
		return domain.TriggerResult{}, fmt.Errorf("%w: no targets configured", domain.ErrConfigurationMissing)
	}

	start := c.clock.Now()
	var (
		result domain.TriggerResult
		errs   error
	)
	finish := func(err error) (domain.TriggerResult, error) {
		result.Elapsed = c.clock.Since(start)
		c.metrics.ObserveTriggerDuration(ctx, result.Elapsed, result.Success)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "trigger failed")
			c.logger.Warn(ctx, "Trigger failed", "elapsed", result.Elapsed, "attempts", len(result.Attempts), "error", err)
			return result, err
		}
		span.SetAttributes(attribute.String("winner", result.Winner.String()))
		c.logger.Info(ctx, "Trigger succeeded",
			"winner", result.Winner.String(), "elapsed", result.Elapsed, "attempts", len(result.Attempts))
		return result, nil
	}

	for _, target := range targets {
		attempt := c.attempt(ctx, target, onRelay)
		result.Attempts = append(result.Attempts, attempt)
		if attempt.Committed {
			result.RelayFeedback = true
		}

		if attempt.Outcome == nil {
			result.Success = true
			result.Winner = target
			return finish(nil)
		}
		errs = multierr.Append(errs, &domain.AttemptError{Target: target, Err: attempt.Outcome})

		if ctx.Err() != nil {
			return finish(fmt.Errorf("%w: trigger cancelled: %w", domain.ErrOperationTimeout, errs))
		}
		if attempt.Committed {
			return finish(fmt.Errorf("relay activated via %s but release not confirmed: %w", target, errs))
		}
	}

	return finish(fmt.Errorf("%w: %w", domain.ErrAllAdaptersFailed, errs))
}

// attempt runs one adapter under its budget and returns the recorded attempt.
func (c *Coordinator) attempt(ctx context.Context, target domain.Target, onRelay domain.RelayFunc) domain.TriggerAttempt {
	budget := c.Budget(target)
	att := domain.TriggerAttempt{Target: target, StartTime: c.clock.Now(), TimeoutBudget: budget}

	ctx, span := c.tracer.Start(ctx, "trigger_coordinator.attempt", trace.WithAttributes(
		attribute.String("target", target.String()),
		attribute.Int64("budget_ms", budget.Milliseconds()),
	))
	defer span.End()

	c.metrics.IncTriggerAttempts(ctx, target.Kind)
	fail := func(err error) domain.TriggerAttempt {
		att.Outcome = err
		att.Elapsed = c.clock.Since(att.StartTime)
		c.metrics.IncTriggerFailures(ctx, target.Kind)
		span.RecordError(err)
		span.SetStatus(codes.Error, "attempt failed")
		c.logger.Warn(ctx, "Trigger attempt failed", "target", target.String(), "committed", att.Committed, "error", err)
		return att
	}

	adapter, err := c.factory.Adapter(ctx, target)
	if err != nil {
		return fail(err)
	}
	att.Adapter = adapter.Name()

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The timer exists before the adapter starts so the budget covers the
	// whole exchange.
	timer := c.clock.Timer(budget)
	defer timer.Stop()

	activated := make(chan struct{})
	var once sync.Once
	relay := func(s domain.RelayState) {
		if s == domain.RelayActivated {
			once.Do(func() {
				timer.Reset(c.cfg.ReleaseBudget)
				close(activated)
				span.AddEvent("relay_activated")
			})
		}
		onRelay(s)
	}

	done := make(chan error, 1)
	go func() { done <- adapter.Trigger(attemptCtx, relay) }()

	abort := func(cause error) domain.TriggerAttempt {
		adapter.Cancel()
		cancel()
		<-done
		att.Committed = isClosed(activated)
		return fail(cause)
	}

	select {
	case err := <-done:
		att.Committed = isClosed(activated)
		if err != nil {
			adapter.Cancel()
			return fail(err)
		}
		att.Elapsed = c.clock.Since(att.StartTime)
		span.AddEvent("relay_released")
		return att

	case <-timer.C:
		return abort(fmt.Errorf("%w: %s exceeded its budget", domain.ErrOperationTimeout, att.Adapter))

	case <-ctx.Done():
		return abort(fmt.Errorf("%w: %w", domain.ErrOperationTimeout, ctx.Err()))
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
