// Package transport builds and caches the trigger adapters for configured
// targets.
package transport

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/gatekeeper/internal/domain/gate"
	"github.com/ahrav/gatekeeper/internal/infra/transport/mqtt"
	"github.com/ahrav/gatekeeper/internal/infra/transport/udp"
	"github.com/ahrav/gatekeeper/pkg/common/logger"
)

// Builder creates the adapter for one target.
type Builder func(ctx context.Context, target gate.Target) (gate.Adapter, error)

var _ gate.AdapterFactory = (*Factory)(nil)

// Factory caches adapters by connection identity (Target.Key). An adapter,
// and the client identity it holds, survives reconfiguration as long as its
// target's key is still configured.
type Factory struct {
	mu       sync.Mutex
	adapters map[string]gate.Adapter
	builders map[gate.TransportKind]Builder

	logger *logger.Logger
	tracer trace.Tracer
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithBuilder overrides the builder for a transport kind.
func WithBuilder(kind gate.TransportKind, b Builder) FactoryOption {
	return func(f *Factory) { f.builders[kind] = b }
}

// NewFactory creates a factory with the UDP and MQTT transports registered.
func NewFactory(
	mqttCfg mqtt.Config,
	creds gate.ConfigSource,
	logger *logger.Logger,
	tracer trace.Tracer,
	opts ...FactoryOption,
) *Factory {
	f := &Factory{
		adapters: make(map[string]gate.Adapter),
		builders: make(map[gate.TransportKind]Builder),
		logger:   logger.With("component", "adapter_factory"),
		tracer:   tracer,
	}

	f.builders[gate.TransportUDP] = func(_ context.Context, t gate.Target) (gate.Adapter, error) {
		return udp.NewAdapter(t, nil, logger, tracer), nil
	}
	var credsFn mqtt.CredentialsFunc
	if creds != nil {
		credsFn = creds.Credentials
	}
	f.builders[gate.TransportMQTT] = func(_ context.Context, t gate.Target) (gate.Adapter, error) {
		return mqtt.NewAdapter(t, mqttCfg, credsFn, logger, tracer), nil
	}

	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Adapter returns the cached adapter for target, building one on first use.
func (f *Factory) Adapter(ctx context.Context, target gate.Target) (gate.Adapter, error) {
	key := target.Key()

	f.mu.Lock()
	defer f.mu.Unlock()

	if a, ok := f.adapters[key]; ok {
		return a, nil
	}

	build, ok := f.builders[target.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported transport %q", gate.ErrConfigurationMissing, target.Kind)
	}

	ctx, span := f.tracer.Start(ctx, "adapter_factory.build", trace.WithAttributes(
		attribute.String("kind", target.Kind.String()),
		attribute.String("address", target.Address()),
	))
	defer span.End()

	a, err := build(ctx, target)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("build %s adapter for %s: %w", target.Kind, target.Address(), err)
	}
	f.adapters[key] = a
	f.logger.Debug(ctx, "adapter created", "adapter", a.Name())
	return a, nil
}

// Invalidate cancels and drops every cached adapter whose key is not used by
// any of current.
func (f *Factory) Invalidate(current []gate.Target) {
	keep := make(map[string]struct{}, len(current))
	for _, t := range current {
		keep[t.Key()] = struct{}{}
	}

	f.mu.Lock()
	var dropped []gate.Adapter
	for key, a := range f.adapters {
		if _, ok := keep[key]; ok {
			continue
		}
		dropped = append(dropped, a)
		delete(f.adapters, key)
	}
	f.mu.Unlock()

	for _, a := range dropped {
		a.Cancel()
		f.logger.Info(context.Background(), "adapter invalidated", "adapter", a.Name())
	}
}

// Len reports how many adapters are cached.
func (f *Factory) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.adapters)
}
