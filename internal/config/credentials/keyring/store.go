// Package keyring provides a credential store that keeps passwords in the
// operating system keyring. Usernames come from configuration; only the
// secret lives in the keyring, filed under the auth reference.
package keyring

import (
	"context"
	"errors"
	"fmt"

	gokeyring "github.com/zalando/go-keyring"

	"github.com/ahrav/gatekeeper/internal/config"
	"github.com/ahrav/gatekeeper/internal/config/credentials"
	"github.com/ahrav/gatekeeper/internal/domain/gate"
)

var _ credentials.Store = (*Store)(nil)

// Store reads passwords from the OS keyring under a single service name.
type Store struct {
	service   string
	usernames map[string]string
}

// NewStore creates a keyring-backed store for service. entries supplies the
// username for each auth reference.
func NewStore(service string, entries map[string]config.CredentialSpec) *Store {
	usernames := make(map[string]string, len(entries))
	for ref, spec := range entries {
		usernames[ref] = spec.Username
	}
	return &Store{service: service, usernames: usernames}
}

// GetCredentials returns the login for authRef.
func (s *Store) GetCredentials(_ context.Context, authRef string) (*gate.Credentials, error) {
	username, ok := s.usernames[authRef]
	if !ok {
		return nil, fmt.Errorf("%w: auth_ref %s", credentials.ErrNotFound, authRef)
	}

	secret, err := gokeyring.Get(s.service, authRef)
	if err != nil {
		if errors.Is(err, gokeyring.ErrNotFound) {
			return nil, fmt.Errorf("%w: no keyring secret for %s/%s", credentials.ErrNotFound, s.service, authRef)
		}
		return nil, fmt.Errorf("read keyring secret %s/%s: %w", s.service, authRef, err)
	}
	return &gate.Credentials{Username: username, Password: secret}, nil
}

// Put stores the password for authRef in the keyring.
func (s *Store) Put(_ context.Context, authRef, password string) error {
	if err := gokeyring.Set(s.service, authRef, password); err != nil {
		return fmt.Errorf("write keyring secret %s/%s: %w", s.service, authRef, err)
	}
	return nil
}

// Delete removes the password for authRef from the keyring.
func (s *Store) Delete(_ context.Context, authRef string) error {
	if err := gokeyring.Delete(s.service, authRef); err != nil && !errors.Is(err, gokeyring.ErrNotFound) {
		return fmt.Errorf("delete keyring secret %s/%s: %w", s.service, authRef, err)
	}
	return nil
}
