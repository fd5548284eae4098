package gate

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ahrav/gatekeeper/internal/domain/events"
	domain "github.com/ahrav/gatekeeper/internal/domain/gate"
)

// fakeAdapter is a func-field test double for domain.Adapter.
type fakeAdapter struct {
	name      string
	triggerFn func(ctx context.Context, onRelay domain.RelayFunc) error

	calls     atomic.Int32
	cancelled atomic.Int32
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Trigger(ctx context.Context, onRelay domain.RelayFunc) error {
	f.calls.Add(1)
	return f.triggerFn(ctx, onRelay)
}

func (f *fakeAdapter) Cancel() { f.cancelled.Add(1) }

// releasing completes a full relay cycle.
func releasing(_ context.Context, onRelay domain.RelayFunc) error {
	onRelay(domain.RelayActivated)
	onRelay(domain.RelayReleased)
	return nil
}

// failing returns err immediately.
func failing(err error) func(context.Context, domain.RelayFunc) error {
	return func(context.Context, domain.RelayFunc) error { return err }
}

// hanging blocks until ctx is done, signalling started first.
func hanging(started chan<- struct{}) func(context.Context, domain.RelayFunc) error {
	return func(ctx context.Context, _ domain.RelayFunc) error {
		if started != nil {
			started <- struct{}{}
		}
		<-ctx.Done()
		return ctx.Err()
	}
}

// fakeFactory resolves adapters by target name.
type fakeFactory struct {
	mu          sync.Mutex
	adapters    map[string]*fakeAdapter
	order       []string
	invalidated [][]domain.Target
}

func newFakeFactory(adapters ...*fakeAdapter) *fakeFactory {
	f := &fakeFactory{adapters: make(map[string]*fakeAdapter)}
	for _, a := range adapters {
		f.adapters[a.name] = a
	}
	return f
}

func (f *fakeFactory) Adapter(_ context.Context, t domain.Target) (domain.Adapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.order = append(f.order, t.Name)
	a, ok := f.adapters[t.Name]
	if !ok {
		return nil, domain.ErrConfigurationMissing
	}
	return a, nil
}

func (f *fakeFactory) Invalidate(current []domain.Target) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, current)
}

func (f *fakeFactory) attempted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

// noopMetrics discards every measurement.
type noopMetrics struct{}

func (noopMetrics) IncTriggerAttempts(context.Context, domain.TransportKind)    {}
func (noopMetrics) IncTriggerFailures(context.Context, domain.TransportKind)    {}
func (noopMetrics) ObserveTriggerDuration(context.Context, time.Duration, bool) {}
func (noopMetrics) IncTransitions(context.Context, domain.State, domain.State)  {}
func (noopMetrics) IncDroppedEvents(context.Context, domain.EventKind)          {}
func (noopMetrics) ObserveProbeRound(context.Context, bool, int)                {}

// relayLog records relay callbacks safely across goroutines.
type relayLog struct {
	mu     sync.Mutex
	states []domain.RelayState
}

func (r *relayLog) record(s domain.RelayState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *relayLog) get() []domain.RelayState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.RelayState(nil), r.states...)
}

var (
	localTarget  = domain.Target{Name: "local", Host: "192.168.1.50", Port: 8050, Kind: domain.TransportUDP}
	remoteTarget = domain.Target{Name: "remote", Host: "broker.example.com", Port: 8883, Kind: domain.TransportMQTT, Secure: true}
)

// recordingObserver forwards transitions to a buffered channel.
type recordingObserver struct {
	ch chan domain.TransitionRecord
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{ch: make(chan domain.TransitionRecord, 64)}
}

func (o *recordingObserver) OnTransition(_ context.Context, rec domain.TransitionRecord) {
	o.ch <- rec
}

// fakeSource is a func-field domain.ConfigSource.
type fakeSource struct {
	mu      sync.Mutex
	targets []domain.Target
	err     error
	loads   int
}

func (s *fakeSource) Targets(context.Context) ([]domain.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	return append([]domain.Target(nil), s.targets...), s.err
}

func (s *fakeSource) Credentials(context.Context, domain.Target) (*domain.Credentials, error) {
	return nil, nil
}

func (s *fakeSource) set(targets ...domain.Target) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = targets
}

func (s *fakeSource) loadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads
}

// fakeProber reports reachability from a mutable flag.
type fakeProber struct {
	clock     clock.Clock
	reachable atomic.Bool
	calls     atomic.Int32
}

func (p *fakeProber) ProbeMany(_ context.Context, targets []domain.Target, _ time.Duration) []domain.PingResult {
	p.calls.Add(1)
	res := make([]domain.PingResult, len(targets))
	for i, t := range targets {
		res[i] = domain.PingResult{Target: t, Reachable: p.reachable.Load(), Timestamp: p.clock.Now()}
	}
	return res
}

// fakePublisher records published domain events.
type fakePublisher struct {
	mu     sync.Mutex
	events []events.DomainEvent
	err    error
}

func (p *fakePublisher) PublishDomainEvent(_ context.Context, evt events.DomainEvent, _ ...events.PublishOption) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return p.err
}

func (p *fakePublisher) types() []events.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.EventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.EventType()
	}
	return out
}
