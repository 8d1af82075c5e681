package keys

import (
	"context"
	"strings"
	"time"

	"siza-core/internal/vault"
	"siza-core/models"
	"siza-core/observability"
	"siza-core/services"
)

// CompleterSource resolves the one-shot client for a provider
type CompleterSource interface {
	Completer(p models.Provider) (services.Completer, error)
}

// DecryptedAPIKey pairs a stored record with its plaintext key.
// It must never be serialized to a client.
type DecryptedAPIKey struct {
	Record *models.APIKeyRecord
	Key    string
}

// GenerationRequest is a one-shot generation made with a user's stored key.
// KeyID pins a specific key; otherwise the provider's default key is used.
type GenerationRequest struct {
	Provider     models.Provider `json:"provider"`
	KeyID        string          `json:"keyId,omitempty"`
	Prompt       string          `json:"prompt"`
	SystemPrompt string          `json:"systemPrompt,omitempty"`
	Model        string          `json:"model,omitempty"`
	MaxTokens    int             `json:"maxTokens,omitempty"`
}

// Manager is the only component that reads or writes key records.
// It holds no mutable state; the store owns the single-default invariant.
type Manager struct {
	store      Store
	completers CompleterSource
	expiry     vault.ExpiryPolicy
	now        func() time.Time
}

// Option configures a Manager
type Option func(*Manager)

// WithExpiryPolicy overrides the implicit key lifetime
func WithExpiryPolicy(p vault.ExpiryPolicy) Option {
	return func(m *Manager) { m.expiry = p }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager over store; completers may be nil when
// MakeGenerationRequest is not used.
func NewManager(store Store, completers CompleterSource, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		completers: completers,
		expiry:     vault.DefaultExpiryPolicy,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize stores the caller-derived master key in the session preferences
func (m *Manager) Initialize(ctx context.Context, masterKey string) error {
	if masterKey == "" {
		return models.NewValidationError("Encryption key is required")
	}
	if err := m.store.Init(ctx); err != nil {
		return err
	}
	return m.store.SetUserPreferences(ctx, models.PreferencesPatch{EncryptionKey: &masterKey})
}

// ResolveMasterKey returns supplied, or the session key set by Initialize when supplied is empty
func (m *Manager) ResolveMasterKey(ctx context.Context, supplied string) (string, error) {
	if supplied != "" {
		return supplied, nil
	}
	prefs, err := m.store.GetUserPreferences(ctx)
	if err != nil {
		return "", err
	}
	if prefs.EncryptionKey == "" {
		return "", models.NewValidationError("Encryption key is required")
	}
	return prefs.EncryptionKey, nil
}

// validateNewKey applies the checks shared by add and update, in order
func validateNewKey(provider models.Provider, rawKey, masterKey string) error {
	if masterKey == "" {
		return models.NewValidationError("Encryption key is required")
	}
	if strings.TrimSpace(rawKey) == "" {
		return models.NewValidationError("API key is required")
	}
	if !provider.Valid() {
		return models.NewValidationError("Unsupported provider")
	}
	if !vault.ValidateKeyFormat(rawKey, provider) {
		return models.NewValidationError("Invalid API key format")
	}
	return nil
}

// AddAPIKey validates, encrypts and stores a new key
func (m *Manager) AddAPIKey(ctx context.Context, provider models.Provider, rawKey, masterKey string, makeDefault bool) (*models.APIKeyRecord, error) {
	metrics := observability.GetMetrics()

	if err := validateNewKey(provider, rawKey, masterKey); err != nil {
		metrics.RecordKeyOperationError("add", "validation")
		return nil, err
	}

	rawKey = strings.TrimSpace(rawKey)
	encrypted, err := vault.Encrypt(rawKey, masterKey)
	if err != nil {
		return nil, err
	}

	rec := &models.APIKeyRecord{
		Provider:     provider,
		EncryptedKey: encrypted,
		KeyID:        vault.GenerateKeyID(),
		CreatedAt:    m.now().UTC(),
		IsDefault:    makeDefault,
	}

	if err := m.store.StoreAPIKey(ctx, rec, makeDefault); err != nil {
		metrics.RecordKeyOperationError("add", "storage")
		return nil, err
	}

	metrics.RecordKeyOperation("add", provider.String())
	observability.WithKeyID(rec.KeyID).Info("api key added",
		"provider", provider,
		"fingerprint", vault.Hash(rawKey)[:12],
		"is_default", makeDefault)

	return rec.Clone(), nil
}

// decryptRecord decrypts rec, counting failures
func (m *Manager) decryptRecord(rec *models.APIKeyRecord, masterKey string) (string, error) {
	plain, err := vault.Decrypt(rec.EncryptedKey, masterKey)
	if err != nil {
		if models.IsDecryption(err) {
			observability.GetMetrics().RecordDecryptionFailure(rec.Provider.String())
		}
		return "", err
	}
	return plain, nil
}

// GetAPIKeys decrypts every stored key. Records that fail to decrypt are skipped
// so one bad record never blocks access to the others.
func (m *Manager) GetAPIKeys(ctx context.Context, masterKey string) ([]DecryptedAPIKey, error) {
	if masterKey == "" {
		return nil, models.NewValidationError("Encryption key is required")
	}

	records, err := m.store.GetAPIKeys(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]DecryptedAPIKey, 0, len(records))
	for _, rec := range records {
		plain, err := m.decryptRecord(rec, masterKey)
		if err != nil {
			observability.WithKeyID(rec.KeyID).Warn("skipping api key that failed to decrypt",
				"provider", rec.Provider)
			continue
		}
		out = append(out, DecryptedAPIKey{Record: rec, Key: plain})
	}
	return out, nil
}

// GetAllAPIKeys returns only the plaintext keys that decrypt under masterKey
func (m *Manager) GetAllAPIKeys(ctx context.Context, masterKey string) ([]string, error) {
	decrypted, err := m.GetAPIKeys(ctx, masterKey)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(decrypted))
	for i, d := range decrypted {
		keys[i] = d.Key
	}
	return keys, nil
}

// ListAPIKeys returns the masked listing view of every record.
// Records that cannot be decrypted with masterKey (or without one) show a fully masked key.
func (m *Manager) ListAPIKeys(ctx context.Context, masterKey string) ([]models.MaskedAPIKey, error) {
	records, err := m.store.GetAPIKeys(ctx)
	if err != nil {
		return nil, err
	}

	now := m.now()
	out := make([]models.MaskedAPIKey, 0, len(records))
	for _, rec := range records {
		masked := "****"
		if masterKey != "" {
			if plain, err := m.decryptRecord(rec, masterKey); err == nil {
				masked = vault.MaskKey(plain)
			}
		}
		out = append(out, models.MaskedAPIKey{
			KeyID:      rec.KeyID,
			Provider:   rec.Provider,
			MaskedKey:  masked,
			CreatedAt:  rec.CreatedAt,
			LastUsedAt: rec.LastUsedAt,
			ExpiresAt:  rec.ExpiresAt,
			IsDefault:  rec.IsDefault,
			IsExpired:  m.expiry.IsExpired(rec, now),
		})
	}
	return out, nil
}

// GetAPIKey fetches and decrypts one key; absent keys return nil, nil
func (m *Manager) GetAPIKey(ctx context.Context, keyID, masterKey string) (*DecryptedAPIKey, error) {
	if masterKey == "" {
		return nil, models.NewValidationError("Encryption key is required")
	}
	rec, err := m.store.GetAPIKey(ctx, keyID)
	if err != nil || rec == nil {
		return nil, err
	}
	plain, err := m.decryptRecord(rec, masterKey)
	if err != nil {
		return nil, err
	}
	return &DecryptedAPIKey{Record: rec, Key: plain}, nil
}

// GetDefaultAPIKey fetches and decrypts the provider's default key; absent keys return nil, nil
func (m *Manager) GetDefaultAPIKey(ctx context.Context, provider models.Provider, masterKey string) (*DecryptedAPIKey, error) {
	if masterKey == "" {
		return nil, models.NewValidationError("Encryption key is required")
	}
	rec, err := m.store.GetDefaultAPIKey(ctx, provider)
	if err != nil || rec == nil {
		return nil, err
	}
	plain, err := m.decryptRecord(rec, masterKey)
	if err != nil {
		return nil, err
	}
	return &DecryptedAPIKey{Record: rec, Key: plain}, nil
}

// UpdateAPIKey rotates the key material of an existing record.
// KeyID, CreatedAt and IsDefault are preserved; the rotated key gets a fresh lifetime.
func (m *Manager) UpdateAPIKey(ctx context.Context, keyID, newRawKey, masterKey string) (*models.APIKeyRecord, error) {
	metrics := observability.GetMetrics()

	if masterKey == "" {
		return nil, models.NewValidationError("Encryption key is required")
	}
	if strings.TrimSpace(newRawKey) == "" {
		return nil, models.NewValidationError("API key is required")
	}

	current, err := m.store.GetAPIKey(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		metrics.RecordKeyOperationError("update", "not_found")
		return nil, models.NewNotFoundError("API key not found")
	}
	if !vault.ValidateKeyFormat(newRawKey, current.Provider) {
		metrics.RecordKeyOperationError("update", "validation")
		return nil, models.NewValidationError("Invalid API key format")
	}

	encrypted, err := vault.Encrypt(strings.TrimSpace(newRawKey), masterKey)
	if err != nil {
		return nil, err
	}

	expires := m.now().UTC().Add(m.expiry.MaxAge)
	if m.expiry.MaxAge <= 0 {
		expires = m.now().UTC().Add(vault.DefaultMaxKeyAge)
	}

	// Only the key material changes; the default flag stays whatever the store holds now
	rec, err := m.store.RotateAPIKey(ctx, keyID, encrypted, expires)
	if err != nil {
		if models.IsNotFound(err) {
			metrics.RecordKeyOperationError("update", "not_found")
		} else {
			metrics.RecordKeyOperationError("update", "storage")
		}
		return nil, err
	}

	metrics.RecordKeyOperation("update", rec.Provider.String())
	observability.WithKeyID(keyID).Info("api key rotated", "provider", rec.Provider)
	return rec, nil
}

// DeleteAPIKey removes a record
func (m *Manager) DeleteAPIKey(ctx context.Context, keyID string) error {
	if err := m.store.DeleteAPIKey(ctx, keyID); err != nil {
		observability.GetMetrics().RecordKeyOperationError("delete", "storage")
		return err
	}
	observability.GetMetrics().RecordKeyOperation("delete", "")
	observability.WithKeyID(keyID).Info("api key deleted")
	return nil
}

// SetDefaultAPIKey makes keyID the only default key of its provider and remembers the provider
func (m *Manager) SetDefaultAPIKey(ctx context.Context, keyID string) (*models.APIKeyRecord, error) {
	rec, err := m.store.SetDefaultAPIKey(ctx, keyID)
	if err != nil {
		if models.IsNotFound(err) {
			observability.GetMetrics().RecordKeyOperationError("set_default", "not_found")
		}
		return nil, err
	}

	provider := rec.Provider
	if err := m.store.SetUserPreferences(ctx, models.PreferencesPatch{DefaultProvider: &provider}); err != nil {
		return nil, err
	}

	observability.GetMetrics().RecordKeyOperation("set_default", provider.String())
	return rec, nil
}

// ClearAllData removes every record and preference of the user
func (m *Manager) ClearAllData(ctx context.Context) error {
	return m.store.ClearAllData(ctx)
}

// GetStorageStats returns the store footprint
func (m *Manager) GetStorageStats(ctx context.Context) (models.StorageStats, error) {
	return m.store.GetStorageStats(ctx)
}

// GetPreferences returns the user's preferences
func (m *Manager) GetPreferences(ctx context.Context) (models.UserPreferences, error) {
	return m.store.GetUserPreferences(ctx)
}

// UpdatePreferences applies a partial preference update
func (m *Manager) UpdatePreferences(ctx context.Context, patch models.PreferencesPatch) error {
	if patch.DefaultProvider != nil && !patch.DefaultProvider.Valid() {
		return models.NewValidationError("Unsupported provider")
	}
	return m.store.SetUserPreferences(ctx, patch)
}

// GetUsageStats aggregates record metadata without decrypting anything
func (m *Manager) GetUsageStats(ctx context.Context) (*models.UsageStats, error) {
	records, err := m.store.GetAPIKeys(ctx)
	if err != nil {
		return nil, err
	}

	stats := &models.UsageStats{
		TotalKeys:      len(records),
		KeysByProvider: make(map[models.Provider]int, len(models.AllProviders())),
		LastUsedTimes:  make(map[string]time.Time),
	}
	for _, p := range models.AllProviders() {
		stats.KeysByProvider[p] = 0
	}

	now := m.now()
	for _, rec := range records {
		stats.KeysByProvider[rec.Provider]++
		if rec.LastUsedAt != nil {
			stats.LastUsedTimes[rec.KeyID] = *rec.LastUsedAt
		}
		if m.expiry.IsExpired(rec, now) {
			stats.ExpiredKeys++
		}
	}
	return stats, nil
}

// UsableKeys returns the decrypted default key of every provider that has a
// usable one. Expired or undecryptable defaults are left out.
func (m *Manager) UsableKeys(ctx context.Context, masterKey string) (map[models.Provider]string, error) {
	if masterKey == "" {
		return nil, models.NewValidationError("Encryption key is required")
	}

	out := make(map[models.Provider]string)
	now := m.now()
	for _, p := range models.AllProviders() {
		rec, err := m.store.GetDefaultAPIKey(ctx, p)
		if err != nil {
			return nil, err
		}
		if rec == nil || m.expiry.IsExpired(rec, now) {
			continue
		}
		plain, err := m.decryptRecord(rec, masterKey)
		if err != nil {
			observability.WithKeyID(rec.KeyID).Warn("default key failed to decrypt", "provider", p)
			continue
		}
		out[p] = plain
	}
	return out, nil
}

// usableKey resolves the record a generation request should use.
// Missing and expired keys are both reported as not found.
func (m *Manager) usableKey(ctx context.Context, req GenerationRequest) (*models.APIKeyRecord, error) {
	if req.KeyID != "" {
		rec, err := m.store.GetAPIKey(ctx, req.KeyID)
		if err != nil {
			return nil, err
		}
		if rec == nil || m.expiry.IsExpired(rec, m.now()) {
			return nil, models.NewNotFoundError("API key not found")
		}
		return rec, nil
	}

	if !req.Provider.Valid() {
		return nil, models.NewValidationError("Unsupported provider")
	}
	rec, err := m.store.GetDefaultAPIKey(ctx, req.Provider)
	if err != nil {
		return nil, err
	}
	if rec == nil || m.expiry.IsExpired(rec, m.now()) {
		return nil, models.NewNotFoundError("No default API key found")
	}
	return rec, nil
}

// MakeGenerationRequest runs a one-shot generation with the user's key.
// Provider errors are returned unchanged so callers can recognise quota failures.
func (m *Manager) MakeGenerationRequest(ctx context.Context, req GenerationRequest, masterKey string) (*services.Completion, error) {
	if masterKey == "" {
		return nil, models.NewValidationError("Encryption key is required")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, models.NewValidationError("Prompt is required")
	}

	rec, err := m.usableKey(ctx, req)
	if err != nil {
		return nil, err
	}

	plain, err := m.decryptRecord(rec, masterKey)
	if err != nil {
		return nil, err
	}

	completer, err := m.completers.Completer(rec.Provider)
	if err != nil {
		return nil, models.NewValidationError("Unsupported provider")
	}

	result, err := completer.Complete(ctx, services.CompletionRequest{
		APIKey:       plain,
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
		Prompt:       req.Prompt,
		MaxTokens:    req.MaxTokens,
	})
	if err != nil {
		observability.WithKeyID(rec.KeyID).Warn("generation request failed",
			"provider", rec.Provider,
			"error", err)
		return nil, err
	}

	m.recordUsage(ctx, rec)
	return result, nil
}

// recordUsage stamps LastUsedAt unless the user disabled usage tracking.
// A failure here is logged, never returned, because the generation already succeeded.
func (m *Manager) recordUsage(ctx context.Context, rec *models.APIKeyRecord) {
	prefs, err := m.store.GetUserPreferences(ctx)
	if err == nil && !prefs.UsageTrackingEnabled {
		return
	}
	if err := m.store.UpdateAPIKeyUsage(ctx, rec.KeyID); err != nil {
		observability.WithKeyID(rec.KeyID).Error("failed to record api key usage", "error", err)
		observability.GetMetrics().RecordKeyOperationError("record_usage", "storage")
	}
}
