package keyring

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gokeyring "github.com/zalando/go-keyring"

	"github.com/ahrav/gatekeeper/internal/config"
	"github.com/ahrav/gatekeeper/internal/config/credentials"
	"github.com/ahrav/gatekeeper/internal/domain/gate"
)

func TestStore_GetCredentials(t *testing.T) {
	gokeyring.MockInit()
	ctx := context.Background()

	store := NewStore("gatekeeper-test", map[string]config.CredentialSpec{
		"broker": {Username: "gate-user"},
		"spare":  {Username: "spare-user"},
	})
	require.NoError(t, store.Put(ctx, "broker", "s3cret"))

	creds, err := store.GetCredentials(ctx, "broker")
	require.NoError(t, err)
	assert.Equal(t, &gate.Credentials{Username: "gate-user", Password: "s3cret"}, creds)

	_, err = store.GetCredentials(ctx, "spare")
	assert.ErrorIs(t, err, credentials.ErrNotFound, "configured login without a secret")

	_, err = store.GetCredentials(ctx, "unknown")
	assert.ErrorIs(t, err, credentials.ErrNotFound)

	require.NoError(t, store.Delete(ctx, "broker"))
	_, err = store.GetCredentials(ctx, "broker")
	assert.ErrorIs(t, err, credentials.ErrNotFound)
	assert.NoError(t, store.Delete(ctx, "broker"), "deleting a missing secret is not an error")
}

func TestStore_KeyringFailure(t *testing.T) {
	backendErr := errors.New("keyring locked")
	gokeyring.MockInitWithError(backendErr)
	t.Cleanup(gokeyring.MockInit)

	store := NewStore("gatekeeper-test", map[string]config.CredentialSpec{"broker": {Username: "u"}})

	_, err := store.GetCredentials(context.Background(), "broker")
	assert.ErrorIs(t, err, backendErr)
	assert.NotErrorIs(t, err, credentials.ErrNotFound)
	assert.ErrorIs(t, store.Put(context.Background(), "broker", "x"), backendErr)
}
