// Package memory provides a credential store backed by the configuration
// document itself.
package memory

import (
	"context"
	"fmt"

	"github.com/ahrav/gatekeeper/internal/config"
	"github.com/ahrav/gatekeeper/internal/config/credentials"
	"github.com/ahrav/gatekeeper/internal/domain/gate"
)

var _ credentials.Store = (*CredentialStore)(nil)

// CredentialStore provides centralized access to authentication configurations.
// It maps auth references to their corresponding credentials.
type CredentialStore struct {
	credentials map[string]gate.Credentials
}

// NewCredentialStore initializes a store from the configured entries.
func NewCredentialStore(entries map[string]config.CredentialSpec) *CredentialStore {
	store := &CredentialStore{credentials: make(map[string]gate.Credentials, len(entries))}
	for name, spec := range entries {
		store.credentials[name] = gate.Credentials{Username: spec.Username, Password: spec.Password}
	}
	return store
}

// GetCredentials looks up credentials by their reference name.
// Returns an error wrapping credentials.ErrNotFound if the reference doesn't exist.
func (s *CredentialStore) GetCredentials(_ context.Context, authRef string) (*gate.Credentials, error) {
	creds, ok := s.credentials[authRef]
	if !ok {
		return nil, fmt.Errorf("%w: auth_ref %s", credentials.ErrNotFound, authRef)
	}
	return &creds, nil
}
