package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/gatekeeper/internal/domain/events"
	domain "github.com/ahrav/gatekeeper/internal/domain/gate"
	"github.com/ahrav/gatekeeper/pkg/common/logger"
)

// Engine defaults.
const (
	DefaultTriggerBudget   = 5 * time.Second
	DefaultRecoveryDelay   = 2500 * time.Millisecond
	DefaultProbeTimeout    = time.Second
	DefaultProbeAttempts   = 3
	DefaultProbeRetryDelay = 500 * time.Millisecond
	DefaultReachabilityTTL = 60 * time.Second

	// budgetGrace is added to the summed adapter budgets so the state timer
	// never fires before the coordinator gives up on its own.
	budgetGrace = 500 * time.Millisecond

	inboxSize = 64
)

// ErrEngineStopped is returned by commands issued after Stop.
var ErrEngineStopped = errors.New("gate engine stopped")

// EngineConfig holds the state budgets and reachability policy.
type EngineConfig struct {
	// TriggerBudget is the minimum time allowed in TRIGGERING. The effective
	// budget is never shorter than the sum of the adapter budgets.
	TriggerBudget time.Duration
	// ReleaseBudget is the time allowed in WAITING_FOR_RELAY_CLOSE.
	ReleaseBudget time.Duration
	// RecoveryDelay is how long TIMEOUT and ERROR last before retrying.
	RecoveryDelay time.Duration

	ProbeTimeout    time.Duration
	ProbeAttempts   int
	ProbeRetryDelay time.Duration
	// ReachabilityTTL is how long a probe result stays fresh. Zero disables
	// the periodic refresh.
	ReachabilityTTL time.Duration
	// CheckOnStart runs a reachability check when the engine starts.
	CheckOnStart bool
}

// DefaultEngineConfig returns the stock engine configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		TriggerBudget:   DefaultTriggerBudget,
		ReleaseBudget:   DefaultReleaseBudget,
		RecoveryDelay:   DefaultRecoveryDelay,
		ProbeTimeout:    DefaultProbeTimeout,
		ProbeAttempts:   DefaultProbeAttempts,
		ProbeRetryDelay: DefaultProbeRetryDelay,
		ReachabilityTTL: DefaultReachabilityTTL,
		CheckOnStart:    true,
	}
}

func (c EngineConfig) withDefaults() EngineConfig {
	d := DefaultEngineConfig()
	if c.TriggerBudget <= 0 {
		c.TriggerBudget = d.TriggerBudget
	}
	if c.ReleaseBudget <= 0 {
		c.ReleaseBudget = d.ReleaseBudget
	}
	if c.RecoveryDelay <= 0 {
		c.RecoveryDelay = d.RecoveryDelay
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.ProbeAttempts <= 0 {
		c.ProbeAttempts = d.ProbeAttempts
	}
	if c.ProbeRetryDelay < 0 {
		c.ProbeRetryDelay = 0
	}
	return c
}

// message is one inbox entry. Timer-driven events carry the generation of
// the timer that produced them; results carry the probe's reachability.
type message struct {
	event   domain.Event
	timed   bool
	gen     uint64
	results []domain.PingResult
}

// Engine owns the gate state. All transitions happen on a single loop
// goroutine in the order events arrive; commands and queries are safe for
// concurrent use.
type Engine struct {
	source    domain.ConfigSource
	factory   domain.AdapterFactory
	prober    domain.Prober
	triggerer Triggerer
	publisher events.DomainEventPublisher
	cfg       EngineConfig
	clock     clock.Clock

	inbox    chan message
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  bool

	mu      sync.RWMutex
	state   domain.State
	targets domain.TargetList

	obsMu     sync.RWMutex
	observers []domain.Observer

	// Owned by the loop goroutine.
	cycleID     uuid.UUID
	cycleCancel context.CancelFunc
	// runningCycle is set until the coordinator goroutine of that cycle
	// reports its outcome. The relay can release before the adapter has
	// torn down, and the coordinator rejects overlapping triggers.
	runningCycle    uuid.UUID
	pendingPress    bool
	probeID         uuid.UUID
	probeCancel     context.CancelFunc
	timer           *clock.Timer
	timerGen        uint64
	pendingReconfig bool
	followUps       []message

	metrics GateMetrics
	logger  *logger.Logger
	tracer  trace.Tracer
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock sets the clock driving the state timers.
func WithClock(c clock.Clock) EngineOption { return func(e *Engine) { e.clock = c } }

// WithPublisher publishes trigger and reachability results as domain events.
func WithPublisher(p events.DomainEventPublisher) EngineOption {
	return func(e *Engine) { e.publisher = p }
}

// NewEngine creates an engine in READY with no targets. Start loads the
// configuration and begins processing events.
func NewEngine(
	source domain.ConfigSource,
	factory domain.AdapterFactory,
	prober domain.Prober,
	triggerer Triggerer,
	cfg EngineConfig,
	metrics GateMetrics,
	logger *logger.Logger,
	tracer trace.Tracer,
	opts ...EngineOption,
) *Engine {
	e := &Engine{
		source:    source,
		factory:   factory,
		prober:    prober,
		triggerer: triggerer,
		cfg:       cfg.withDefaults(),
		clock:     clock.New(),
		inbox:     make(chan message, inboxSize),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
		state:     domain.StateReady,
		metrics:   metrics,
		logger:    logger.With("component", "gate_engine"),
		tracer:    tracer,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start loads the targets and launches the event loop. The loop runs until
// ctx is cancelled or Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	if e.started {
		return errors.New("gate engine already started")
	}

	targets, err := e.loadTargets(ctx)
	if err != nil {
		return fmt.Errorf("load targets: %w", err)
	}
	e.setTargets(targets)
	e.factory.Invalidate(targets)
	e.started = true

	e.logger.Info(ctx, "Gate engine starting", "targets", len(targets))
	go e.run(ctx)

	if e.cfg.CheckOnStart {
		e.post(message{event: domain.StaleReachability()})
	}
	return nil
}

// Stop terminates the loop, cancelling any in-flight trigger and probe, and
// waits for it to exit.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	if e.started {
		<-e.done
	}
}

// Press requests a trigger. It is a no-op unless the current state accepts it.
func (e *Engine) Press(ctx context.Context) error { return e.submit(ctx, domain.UserPressed()) }

// Retry leaves TIMEOUT or ERROR without waiting for the recovery delay.
func (e *Engine) Retry(ctx context.Context) error { return e.submit(ctx, domain.Retry()) }

// Reconfigure reloads targets from the config source. While a trigger is in
// flight the reload is deferred until the engine returns to READY.
func (e *Engine) Reconfigure(ctx context.Context) error {
	return e.submit(ctx, domain.ConfigChanged())
}

// State returns the current state.
func (e *Engine) State() domain.State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Targets returns a copy of the target list with cached reachability.
func (e *Engine) Targets() domain.TargetList {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.targets.Clone()
}

// Subscribe registers an observer for every subsequent transition.
func (e *Engine) Subscribe(o domain.Observer) {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	e.observers = append(e.observers, o)
}

func (e *Engine) submit(ctx context.Context, ev domain.Event) error {
	select {
	case <-e.stopCh:
		return ErrEngineStopped
	default:
	}

	select {
	case e.inbox <- message{event: ev}:
		return nil
	case <-e.stopCh:
		return ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post enqueues a message from a background goroutine or timer.
func (e *Engine) post(m message) {
	select {
	case e.inbox <- m:
	case <-e.stopCh:
	case <-e.done:
	}
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)
	defer e.shutdown()

	var refresh <-chan time.Time
	if e.cfg.ReachabilityTTL > 0 {
		ticker := e.clock.Ticker(e.cfg.ReachabilityTTL / 2)
		defer ticker.Stop()
		refresh = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			e.logger.Info(ctx, "Gate engine stopping", "reason", ctx.Err())
			return
		case <-e.stopCh:
			e.logger.Info(ctx, "Gate engine stopped")
			return
		case m := <-e.inbox:
			e.dispatch(ctx, m)
		case <-refresh:
			if e.Targets().Stale(e.clock.Now(), e.cfg.ReachabilityTTL) {
				e.dispatch(ctx, message{event: domain.StaleReachability()})
			}
		}
	}
}

// dispatch handles m and then any follow-up events its entry actions queued.
func (e *Engine) dispatch(ctx context.Context, m message) {
	e.handle(ctx, m)
	for len(e.followUps) > 0 {
		next := e.followUps[0]
		e.followUps = e.followUps[1:]
		e.handle(ctx, next)
	}
}

func (e *Engine) shutdown() {
	e.disarmTimer()
	if e.cycleCancel != nil {
		e.cycleCancel()
	}
	if e.probeCancel != nil {
		e.probeCancel()
	}
}

// handle filters stale messages, applies side effects that do not depend on
// the transition, then runs the transition and its entry action.
func (e *Engine) handle(ctx context.Context, m message) {
	ev := m.event

	if m.timed && m.gen != e.timerGen {
		e.drop(ctx, ev, "expired timer")
		return
	}

	switch ev.Kind {
	case domain.EventRequestComplete, domain.EventRequestFailed:
		e.finishCycle(ctx, ev.CycleID)
		if ev.CycleID != e.cycleID {
			e.drop(ctx, ev, "stale cycle")
			return
		}
	case domain.EventRelayChanged:
		if ev.CycleID != e.cycleID {
			e.drop(ctx, ev, "stale cycle")
			return
		}
	case domain.EventUserPressed:
		if e.runningCycle != uuid.Nil && e.currentState() == domain.StateReady {
			e.pendingPress = true
			e.logger.Info(ctx, "Deferring press until the previous trigger cycle finishes")
			return
		}
	case domain.EventReachability:
		if ev.CycleID != e.probeID {
			e.drop(ctx, ev, "stale probe")
			return
		}
		e.probeCancel = nil
		e.applyReachability(ctx, m.results, ev)
	case domain.EventConfigChanged:
		if e.currentState().IsBusy() {
			e.pendingReconfig = true
			e.logger.Info(ctx, "Deferring reconfiguration until the trigger cycle ends")
			return
		}
		e.applyConfig(ctx)
	}

	from := e.currentState()
	to, ok := domain.Transition(from, ev)
	if !ok {
		e.logger.Debug(ctx, "Event ignored", "state", from.String(), "event", ev.Kind.String())
		return
	}

	e.disarmTimer()
	e.setState(to)
	e.enter(ctx, to, ev)

	e.metrics.IncTransitions(ctx, from, to)
	e.logger.Info(ctx, "State transition", "from", from.String(), "to", to.String(), "event", ev.Kind.String())
	e.notify(ctx, domain.TransitionRecord{From: from, To: to, Event: ev, Timestamp: e.clock.Now()})
}

// finishCycle clears the running cycle once its coordinator has returned and
// replays a press that arrived in the meantime.
func (e *Engine) finishCycle(ctx context.Context, cycle uuid.UUID) {
	if cycle != e.runningCycle {
		return
	}
	e.runningCycle = uuid.Nil
	if e.pendingPress {
		e.pendingPress = false
		e.logger.Debug(ctx, "Replaying deferred press")
		e.followUps = append(e.followUps, message{event: domain.UserPressed()})
	}
}

func (e *Engine) drop(ctx context.Context, ev domain.Event, reason string) {
	e.metrics.IncDroppedEvents(ctx, ev.Kind)
	e.logger.Debug(ctx, "Dropping event", "event", ev.Kind.String(), "reason", reason)
}

// enter runs the entry action of state s.
func (e *Engine) enter(ctx context.Context, s domain.State, ev domain.Event) {
	switch s {
	case domain.StateReady:
		if e.pendingReconfig {
			e.pendingReconfig = false
			e.followUps = append(e.followUps, message{event: domain.ConfigChanged()})
		}
	case domain.StateCheckingNetwork:
		e.startProbe(ctx)
	case domain.StateTriggering:
		e.startCycle(ctx)
	case domain.StateWaitingForRelayClose:
		e.armTimer(e.cfg.ReleaseBudget, domain.Timeout(
			fmt.Errorf("%w: relay release not confirmed within %s", domain.ErrOperationTimeout, e.cfg.ReleaseBudget)))
	case domain.StateTimeout:
		e.cancelCycle()
		e.armTimer(e.cfg.RecoveryDelay, domain.Retry())
	case domain.StateError:
		e.cancelCycle()
		if ev.Err != nil {
			e.logger.Error(ctx, "Trigger cycle failed", "error", ev.Err)
		}
		e.armTimer(e.cfg.RecoveryDelay, domain.Retry())
	case domain.StateNoNetwork:
		e.logger.Warn(ctx, "No target reachable; waiting for a press or refresh")
	}
}

// startCycle runs the coordinator in the background under a fresh cycle ID.
func (e *Engine) startCycle(ctx context.Context) {
	cycle := uuid.New()
	e.cycleID = cycle
	e.runningCycle = cycle
	cycleCtx, cancel := context.WithCancel(ctx)
	e.cycleCancel = cancel

	targets := e.Targets()
	e.armTimer(e.triggerBudget(targets), domain.Timeout(
		fmt.Errorf("%w: no relay activation within the trigger budget", domain.ErrOperationTimeout)))

	go func() {
		defer cancel()
		ctx, span := e.tracer.Start(cycleCtx, "gate_engine.trigger_cycle", trace.WithAttributes(
			attribute.String("cycle_id", cycle.String()),
		))
		defer span.End()

		res, err := e.triggerer.Trigger(ctx, targets, func(s domain.RelayState) {
			e.post(message{event: domain.RelayChanged(cycle, s)})
		})

		// The engine hears the outcome before the bus does.
		if err != nil {
			span.RecordError(err)
			e.post(message{event: domain.RequestFailed(cycle, err)})
		} else {
			e.post(message{event: domain.RequestComplete(cycle, res.RelayFeedback)})
		}
		e.publish(context.WithoutCancel(ctx), domain.NewTriggerCompletedEvent(cycle, res, err))
	}()
}

func (e *Engine) cancelCycle() {
	if e.cycleCancel != nil {
		e.cycleCancel()
		e.cycleCancel = nil
	}
}

// triggerBudget never undercuts the time the coordinator may legitimately
// spend failing over across every target.
func (e *Engine) triggerBudget(targets []domain.Target) time.Duration {
	var sum time.Duration
	for _, t := range targets {
		sum += e.triggerer.Budget(t)
	}
	if sum > 0 {
		sum += budgetGrace
	}
	return max(e.cfg.TriggerBudget, sum)
}

// startProbe checks reachability in the background, retrying with a constant
// backoff until a target answers or the attempts are exhausted. Exactly one
// reachability result is posted per check.
func (e *Engine) startProbe(ctx context.Context) {
	if e.probeCancel != nil {
		e.probeCancel()
	}
	id := uuid.New()
	e.probeID = id
	probeCtx, cancel := context.WithCancel(ctx)
	e.probeCancel = cancel

	targets := e.Targets()
	go func() {
		defer cancel()
		ctx, span := e.tracer.Start(probeCtx, "gate_engine.reachability_check", trace.WithAttributes(
			attribute.Int("target_count", len(targets)),
		))
		defer span.End()

		var (
			results  []domain.PingResult
			attempts int
		)
		op := func() error {
			attempts++
			results = e.prober.ProbeMany(ctx, targets, e.cfg.ProbeTimeout)
			if domain.AnyReachable(results) {
				return nil
			}
			return domain.ErrReachabilityUnknown
		}
		policy := backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewConstantBackOff(e.cfg.ProbeRetryDelay), uint64(e.cfg.ProbeAttempts-1)),
			ctx,
		)
		err := backoff.Retry(op, policy)
		if ctx.Err() != nil {
			return
		}

		anyReachable := err == nil
		span.SetAttributes(attribute.Bool("any_reachable", anyReachable), attribute.Int("attempts", attempts))
		e.metrics.ObserveProbeRound(ctx, anyReachable, attempts)

		ev := domain.ReachabilityResult(anyReachable, !anyReachable)
		ev.CycleID = id
		e.post(message{event: ev, results: results})
		e.publish(ctx, domain.NewReachabilityCheckedEvent(results))
	}()
}

func (e *Engine) applyReachability(ctx context.Context, results []domain.PingResult, ev domain.Event) {
	e.mu.Lock()
	e.targets = e.targets.WithReachability(results)
	e.mu.Unlock()
	e.logger.Debug(ctx, "Reachability updated", "any_reachable", ev.AnyReachable, "targets", len(results))
}

// applyConfig reloads targets, keeping cached reachability for targets whose
// connection identity is unchanged, and drops adapters for removed targets.
func (e *Engine) applyConfig(ctx context.Context) {
	loaded, err := e.loadTargets(ctx)
	if err != nil {
		e.logger.Error(ctx, "Failed to reload targets; keeping previous configuration", "error", err)
		return
	}

	prev := e.Targets()
	for i := range loaded {
		for _, p := range prev {
			if p.Key() == loaded[i].Key() {
				loaded[i].Reachability, loaded[i].CheckedAt = p.Reachability, p.CheckedAt
				break
			}
		}
	}
	e.setTargets(loaded)
	e.factory.Invalidate(loaded)
	e.logger.Info(ctx, "Targets reloaded", "targets", len(loaded))

	if e.currentState() == domain.StateCheckingNetwork {
		e.startProbe(ctx)
	}
}

func (e *Engine) loadTargets(ctx context.Context) (domain.TargetList, error) {
	targets, err := e.source.Targets(ctx)
	if err != nil {
		return nil, err
	}
	return domain.NewTargetList(targets), nil
}

// armTimer schedules ev after d, replacing any pending state timer.
func (e *Engine) armTimer(d time.Duration, ev domain.Event) {
	e.disarmTimer()
	gen := e.timerGen
	e.timer = e.clock.AfterFunc(d, func() {
		e.post(message{event: ev, timed: true, gen: gen})
	})
}

// disarmTimer stops the pending state timer. Bumping the generation discards
// a timer that already fired but whose event is still queued.
func (e *Engine) disarmTimer() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.timerGen++
}

func (e *Engine) notify(ctx context.Context, rec domain.TransitionRecord) {
	e.obsMu.RLock()
	observers := append([]domain.Observer(nil), e.observers...)
	e.obsMu.RUnlock()

	for _, o := range observers {
		o.OnTransition(ctx, rec)
	}
}

func (e *Engine) publish(ctx context.Context, evt events.DomainEvent) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.PublishDomainEvent(ctx, evt, events.WithKey("gate")); err != nil {
		e.logger.Error(ctx, "Failed to publish domain event", "event_type", evt.EventType(), "error", err)
	}
}

func (e *Engine) currentState() domain.State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Engine) setState(s domain.State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Engine) setTargets(l domain.TargetList) {
	e.mu.Lock()
	e.targets = l
	e.mu.Unlock()
}
