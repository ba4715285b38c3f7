package tenant

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/supportrag/backend/internal/storage/models"
)

var (
	ErrInvalidCredential = errors.New("invalid credential")
	ErrExpiredCredential = errors.New("expired credential")
)

// CredentialStore is the lookup capability the resolver needs; *sqlite.Client
// satisfies it.
type CredentialStore interface {
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*models.APIKey, error)
}

// Resolver maps an inbound API key to its tenant. It holds no per-request
// state; the same credential always resolves to the same tenant.
type Resolver struct {
	store CredentialStore
}

func NewResolver(store CredentialStore) *Resolver {
	return &Resolver{store: store}
}

func (r *Resolver) Resolve(ctx context.Context, credential string) (string, error) {
	if credential == "" {
		return "", ErrInvalidCredential
	}

	key, err := r.store.GetAPIKeyByHash(ctx, HashCredential(credential))
	if err != nil {
		return "", fmt.Errorf("credential lookup failed: %w", err)
	}
	if key == nil {
		return "", ErrInvalidCredential
	}

	if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now()) {
		return "", ErrExpiredCredential
	}

	return key.TenantID, nil
}

func HashCredential(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}
