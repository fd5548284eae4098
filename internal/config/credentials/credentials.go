// Package credentials defines the lookup contract for transport logins.
package credentials

import (
	"context"
	"errors"

	"github.com/ahrav/gatekeeper/internal/domain/gate"
)

// ErrNotFound is returned when no credentials exist for an auth reference.
var ErrNotFound = errors.New("credentials not found")

// Store resolves an auth reference to a login.
type Store interface {
	GetCredentials(ctx context.Context, authRef string) (*gate.Credentials, error)
}
