package repository

import (
	"sync"

	"siza-core/models"
)

// sessionKeys holds each user's master key for the life of the process.
// Master keys are never written to a database.
type sessionKeys struct {
	mu   sync.RWMutex
	keys map[string]string
}

func newSessionKeys() *sessionKeys {
	return &sessionKeys{keys: make(map[string]string)}
}

func (s *sessionKeys) get(userID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keys[userID]
}

func (s *sessionKeys) set(userID, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key == "" {
		delete(s.keys, userID)
		return
	}
	s.keys[userID] = key
}

// preferenceArgs flattens a patch into nullable column values
func preferenceArgs(patch models.PreferencesPatch) (defaultProvider *string, fallback, tracking *bool) {
	if patch.DefaultProvider != nil {
		p := patch.DefaultProvider.String()
		defaultProvider = &p
	}
	return defaultProvider, patch.GeminiFallbackEnabled, patch.UsageTrackingEnabled
}
