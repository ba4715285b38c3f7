package tenant

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supportrag/backend/internal/storage/models"
)

type fakeCredentialStore struct {
	keys map[string]*models.APIKey
	err  error
}

func (f *fakeCredentialStore) GetAPIKeyByHash(ctx context.Context, keyHash string) (*models.APIKey, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.keys[keyHash], nil
}

func TestResolveValidKey(t *testing.T) {
	store := &fakeCredentialStore{keys: map[string]*models.APIKey{
		HashCredential("sk-live-acme"): {ID: "k1", TenantID: "acme"},
	}}
	resolver := NewResolver(store)

	tenantID, err := resolver.Resolve(context.Background(), "sk-live-acme")

	require.NoError(t, err)
	assert.Equal(t, "acme", tenantID)
}

func TestResolveUnknownKey(t *testing.T) {
	resolver := NewResolver(&fakeCredentialStore{keys: map[string]*models.APIKey{}})

	_, err := resolver.Resolve(context.Background(), "sk-live-bogus")

	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestResolveEmptyCredential(t *testing.T) {
	resolver := NewResolver(&fakeCredentialStore{})

	_, err := resolver.Resolve(context.Background(), "")

	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestResolveExpiredKey(t *testing.T) {
	expired := time.Now().Add(-time.Hour)
	store := &fakeCredentialStore{keys: map[string]*models.APIKey{
		HashCredential("sk-live-old"): {ID: "k1", TenantID: "acme", ExpiresAt: &expired},
	}}
	resolver := NewResolver(store)

	_, err := resolver.Resolve(context.Background(), "sk-live-old")

	assert.ErrorIs(t, err, ErrExpiredCredential)
}

func TestResolveFutureExpiryAccepted(t *testing.T) {
	future := time.Now().Add(time.Hour)
	store := &fakeCredentialStore{keys: map[string]*models.APIKey{
		HashCredential("sk-live-fresh"): {ID: "k1", TenantID: "acme", ExpiresAt: &future},
	}}
	resolver := NewResolver(store)

	tenantID, err := resolver.Resolve(context.Background(), "sk-live-fresh")

	require.NoError(t, err)
	assert.Equal(t, "acme", tenantID)
}

func TestResolveStoreError(t *testing.T) {
	resolver := NewResolver(&fakeCredentialStore{err: errors.New("db closed")})

	_, err := resolver.Resolve(context.Background(), "sk-live-acme")

	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidCredential)
}

func TestHashCredentialDeterministic(t *testing.T) {
	assert.Equal(t, HashCredential("abc"), HashCredential("abc"))
	assert.NotEqual(t, HashCredential("abc"), HashCredential("abd"))
	assert.Len(t, HashCredential("abc"), 64)
}
