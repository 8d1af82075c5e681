// Package keys manages the lifecycle of user-supplied provider API keys.
package keys

import (
	"context"
	"time"

	"siza-core/models"
)

// Store is the per-user durable key store consumed by the Manager.
// Lookups of absent records return nil with a nil error.
type Store interface {
	Init(ctx context.Context) error

	// StoreAPIKey inserts or replaces rec by KeyID. When makeDefault is true every other
	// record of the same provider loses its default flag in the same operation.
	// Replacing an existing record never clears its default flag and never moves
	// LastUsedAt backwards.
	StoreAPIKey(ctx context.Context, rec *models.APIKeyRecord, makeDefault bool) error

	// RotateAPIKey replaces only the ciphertext and expiry of keyID and returns the
	// current record. It returns a NotFoundError when keyID does not exist.
	RotateAPIKey(ctx context.Context, keyID, encryptedKey string, expiresAt time.Time) (*models.APIKeyRecord, error)
	GetAPIKey(ctx context.Context, keyID string) (*models.APIKeyRecord, error)
	GetAPIKeys(ctx context.Context) ([]*models.APIKeyRecord, error)
	GetDefaultAPIKey(ctx context.Context, provider models.Provider) (*models.APIKeyRecord, error)

	// SetDefaultAPIKey atomically makes keyID the only default of its provider.
	// It returns a NotFoundError when keyID does not exist.
	SetDefaultAPIKey(ctx context.Context, keyID string) (*models.APIKeyRecord, error)
	UpdateAPIKeyUsage(ctx context.Context, keyID string) error
	DeleteAPIKey(ctx context.Context, keyID string) error
	ClearAllData(ctx context.Context) error

	GetUserPreferences(ctx context.Context) (models.UserPreferences, error)
	SetUserPreferences(ctx context.Context, patch models.PreferencesPatch) error
	GetStorageStats(ctx context.Context) (models.StorageStats, error)
}

// StoreFactory hands out the Store of one user
type StoreFactory interface {
	ForUser(userID string) Store
}
