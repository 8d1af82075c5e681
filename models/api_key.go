package models

import (
	"time"
)

// APIKeyRecord is an encrypted provider API key as persisted by a key store.
// EncryptedKey never holds plaintext key material.
type APIKeyRecord struct {
	Provider     Provider   `json:"provider"`
	EncryptedKey string     `json:"encryptedKey"`
	KeyID        string     `json:"keyId"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastUsedAt   *time.Time `json:"lastUsedAt,omitempty"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	IsDefault    bool       `json:"isDefault"`
}

// Clone returns a deep copy of the record so callers cannot mutate store state
func (r *APIKeyRecord) Clone() *APIKeyRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.LastUsedAt != nil {
		t := *r.LastUsedAt
		c.LastUsedAt = &t
	}
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

// MaskedAPIKey is the outward listing view of a key record
type MaskedAPIKey struct {
	KeyID      string     `json:"keyId"`
	Provider   Provider   `json:"provider"`
	MaskedKey  string     `json:"maskedKey"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	IsDefault  bool       `json:"isDefault"`
	IsExpired  bool       `json:"isExpired"`
}

// UsageStats aggregates key metadata for dashboards
type UsageStats struct {
	TotalKeys      int                  `json:"totalKeys"`
	KeysByProvider map[Provider]int     `json:"keysByProvider"`
	LastUsedTimes  map[string]time.Time `json:"lastUsedTimes"`
	ExpiredKeys    int                  `json:"expiredKeys"`
}

// StorageStats describes the footprint of a user's key store
type StorageStats struct {
	APIKeysCount int   `json:"apiKeysCount"`
	TotalSize    int64 `json:"totalSize"`
}

// EstimateSize returns the approximate number of bytes a record occupies in storage
func (r *APIKeyRecord) EstimateSize() int64 {
	// two timestamps plus flags and provider name
	const fixed = 64
	return int64(len(r.EncryptedKey)+len(r.KeyID)+len(r.Provider)) + fixed
}
