package config

import (
	"context"
	"fmt"
	"sync"

	"github.com/ahrav/gatekeeper/internal/config/credentials"
	"github.com/ahrav/gatekeeper/internal/domain/gate"
)

var _ gate.ConfigSource = (*Source)(nil)

// Source serves the engine's view of the current configuration. Update swaps
// the document atomically; the engine re-reads it on ConfigChanged.
type Source struct {
	mu    sync.RWMutex
	cfg   *Config
	creds credentials.Store
}

// NewSource creates a Source over cfg. creds may be nil when no target
// needs a login.
func NewSource(cfg *Config, creds credentials.Store) *Source {
	return &Source{cfg: cfg, creds: creds}
}

// Update replaces the configuration and credential store.
func (s *Source) Update(cfg *Config, creds credentials.Store) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.creds = creds
}

// Config returns the current configuration document.
func (s *Source) Config() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Targets converts the configured target specs into domain targets, in file
// order. The engine applies transport priority.
func (s *Source) Targets(context.Context) ([]gate.Target, error) {
	s.mu.RLock()
	cfg := s.cfg
	s.mu.RUnlock()

	if cfg == nil || len(cfg.Targets) == 0 {
		return nil, fmt.Errorf("%w: no targets configured", gate.ErrConfigurationMissing)
	}

	targets := make([]gate.Target, 0, len(cfg.Targets))
	for _, spec := range cfg.Targets {
		t, err := spec.Target()
		if err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, nil
}

// Credentials returns the login for target, or nil when its spec has no
// auth reference.
func (s *Source) Credentials(ctx context.Context, target gate.Target) (*gate.Credentials, error) {
	s.mu.RLock()
	cfg, store := s.cfg, s.creds
	s.mu.RUnlock()

	if cfg == nil {
		return nil, nil
	}
	for _, spec := range cfg.Targets {
		if spec.Name != target.Name {
			continue
		}
		if spec.AuthRef == "" {
			return nil, nil
		}
		if store == nil {
			return nil, fmt.Errorf("%w: no credential store for auth_ref %s", gate.ErrConfigurationMissing, spec.AuthRef)
		}
		creds, err := store.GetCredentials(ctx, spec.AuthRef)
		if err != nil {
			return nil, fmt.Errorf("credentials for %s: %w", target.Name, err)
		}
		return creds, nil
	}
	return nil, nil
}

// Target converts the spec into a domain target.
func (t TargetSpec) Target() (gate.Target, error) {
	kind := gate.ParseTransportKind(t.Transport)
	if kind == "" {
		return gate.Target{}, fmt.Errorf("%w: target %s has unknown transport %q",
			gate.ErrConfigurationMissing, t.Name, t.Transport)
	}
	return gate.Target{
		Name:          t.Name,
		Host:          t.Host,
		Port:          t.Port,
		Kind:          kind,
		Secure:        t.Secure,
		WebSocketPath: t.WebSocketPath,
		Timeout:       t.Timeout,
	}, nil
}
