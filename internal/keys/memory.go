package keys

import (
	"context"
	"sort"
	"sync"
	"time"

	"siza-core/models"
)

// MemoryStore is an in-process Store for one user
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*models.APIKeyRecord
	prefs   models.UserPreferences
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*models.APIKeyRecord),
		prefs:   models.DefaultUserPreferences(),
		now:     time.Now,
	}
}

// Init implements Store
func (s *MemoryStore) Init(ctx context.Context) error {
	return ctx.Err()
}

// StoreAPIKey implements Store
func (s *MemoryStore) StoreAPIKey(ctx context.Context, rec *models.APIKeyRecord, makeDefault bool) error {
	if err := ctx.Err(); err != nil {
		return models.NewStorageError("store api key", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := rec.Clone()
	stored.IsDefault = makeDefault
	if existing, ok := s.records[stored.KeyID]; ok {
		stored.IsDefault = stored.IsDefault || existing.IsDefault
		if existing.LastUsedAt != nil && (stored.LastUsedAt == nil || existing.LastUsedAt.After(*stored.LastUsedAt)) {
			last := *existing.LastUsedAt
			stored.LastUsedAt = &last
		}
	}
	if makeDefault {
		s.clearDefaultsLocked(stored.Provider, stored.KeyID)
	}
	s.records[stored.KeyID] = stored
	return nil
}

// RotateAPIKey implements Store
func (s *MemoryStore) RotateAPIKey(ctx context.Context, keyID, encryptedKey string, expiresAt time.Time) (*models.APIKeyRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, models.NewStorageError("rotate api key", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[keyID]
	if !ok {
		return nil, models.NewNotFoundError("API key not found")
	}
	rec.EncryptedKey = encryptedKey
	rec.ExpiresAt = &expiresAt
	return rec.Clone(), nil
}

func (s *MemoryStore) clearDefaultsLocked(provider models.Provider, except string) {
	for id, r := range s.records {
		if id != except && r.Provider == provider {
			r.IsDefault = false
		}
	}
}

// GetAPIKey implements Store
func (s *MemoryStore) GetAPIKey(ctx context.Context, keyID string) (*models.APIKeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[keyID].Clone(), nil
}

// GetAPIKeys implements Store. Records are ordered by creation time.
func (s *MemoryStore) GetAPIKeys(ctx context.Context) ([]*models.APIKeyRecord, error) {
	s.mu.RLock()
	out := make([]*models.APIKeyRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].KeyID < out[j].KeyID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// GetDefaultAPIKey implements Store
func (s *MemoryStore) GetDefaultAPIKey(ctx context.Context, provider models.Provider) (*models.APIKeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.records {
		if r.Provider == provider && r.IsDefault {
			return r.Clone(), nil
		}
	}
	return nil, nil
}

// SetDefaultAPIKey implements Store
func (s *MemoryStore) SetDefaultAPIKey(ctx context.Context, keyID string) (*models.APIKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[keyID]
	if !ok {
		return nil, models.NewNotFoundError("API key not found")
	}
	s.clearDefaultsLocked(rec.Provider, keyID)
	rec.IsDefault = true
	return rec.Clone(), nil
}

// UpdateAPIKeyUsage implements Store
func (s *MemoryStore) UpdateAPIKeyUsage(ctx context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[keyID]
	if !ok {
		return models.NewNotFoundError("API key not found")
	}
	now := s.now().UTC()
	rec.LastUsedAt = &now
	return nil
}

// DeleteAPIKey implements Store
func (s *MemoryStore) DeleteAPIKey(ctx context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, keyID)
	return nil
}

// ClearAllData implements Store
func (s *MemoryStore) ClearAllData(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]*models.APIKeyRecord)
	s.prefs = models.DefaultUserPreferences()
	return nil
}

// GetUserPreferences implements Store
func (s *MemoryStore) GetUserPreferences(ctx context.Context) (models.UserPreferences, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prefs, nil
}

// SetUserPreferences implements Store
func (s *MemoryStore) SetUserPreferences(ctx context.Context, patch models.PreferencesPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs = patch.Apply(s.prefs)
	return nil
}

// GetStorageStats implements Store
func (s *MemoryStore) GetStorageStats(ctx context.Context) (models.StorageStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := models.StorageStats{APIKeysCount: len(s.records)}
	for _, r := range s.records {
		stats.TotalSize += r.EstimateSize()
	}
	return stats, nil
}

// MemoryStoreFactory keeps one MemoryStore per user
type MemoryStoreFactory struct {
	mu     sync.Mutex
	stores map[string]*MemoryStore
}

// NewMemoryStoreFactory creates an empty factory
func NewMemoryStoreFactory() *MemoryStoreFactory {
	return &MemoryStoreFactory{stores: make(map[string]*MemoryStore)}
}

// ForUser implements StoreFactory
func (f *MemoryStoreFactory) ForUser(userID string) Store {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.stores[userID]
	if !ok {
		s = NewMemoryStore()
		f.stores[userID] = s
	}
	return s
}

// Compile-time interface verification
var _ Store = (*MemoryStore)(nil)
var _ StoreFactory = (*MemoryStoreFactory)(nil)
