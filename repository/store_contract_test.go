package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"siza-core/internal/keys"
	"siza-core/models"
)

// testRecord builds a record with second-precision timestamps so values survive a round trip
func testRecord(p models.Provider, created time.Time) *models.APIKeyRecord {
	return &models.APIKeyRecord{
		Provider:     p,
		EncryptedKey: "ciphertext-" + uuid.NewString(),
		KeyID:        "key_" + uuid.NewString()[:8],
		CreatedAt:    created.UTC().Truncate(time.Second),
	}
}

func defaultIDs(t *testing.T, s keys.Store, p models.Provider) []string {
	t.Helper()
	recs, err := s.GetAPIKeys(context.Background())
	if err != nil {
		t.Fatalf("GetAPIKeys() error = %v", err)
	}
	var ids []string
	for _, r := range recs {
		if r.Provider == p && r.IsDefault {
			ids = append(ids, r.KeyID)
		}
	}
	return ids
}

// runStoreContract exercises the keys.Store contract against a fresh user of factory
func runStoreContract(t *testing.T, factory keys.StoreFactory) {
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	t.Run("store and get", func(t *testing.T) {
		s := factory.ForUser("user-" + uuid.NewString())
		if err := s.Init(ctx); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		expires := base.Add(48 * time.Hour).Truncate(time.Second).UTC()
		rec := testRecord(models.ProviderOpenAI, base)
		rec.ExpiresAt = &expires
		if err := s.StoreAPIKey(ctx, rec, false); err != nil {
			t.Fatalf("StoreAPIKey() error = %v", err)
		}

		got, err := s.GetAPIKey(ctx, rec.KeyID)
		if err != nil || got == nil {
			t.Fatalf("GetAPIKey() = %v, %v", got, err)
		}
		if got.EncryptedKey != rec.EncryptedKey || got.Provider != rec.Provider || !got.CreatedAt.Equal(rec.CreatedAt) {
			t.Errorf("round trip mismatch: got %+v, want %+v", got, rec)
		}
		if got.ExpiresAt == nil || !got.ExpiresAt.Equal(expires) || got.LastUsedAt != nil {
			t.Errorf("optional timestamps mismatch: %+v", got)
		}

		missing, err := s.GetAPIKey(ctx, "key_missing")
		if err != nil || missing != nil {
			t.Errorf("absent key must be nil, nil; got %v, %v", missing, err)
		}
	})

	t.Run("ordering and replace", func(t *testing.T) {
		s := factory.ForUser("user-" + uuid.NewString())
		later := testRecord(models.ProviderGoogle, base.Add(time.Minute))
		earlier := testRecord(models.ProviderGoogle, base)
		_ = s.StoreAPIKey(ctx, later, false)
		_ = s.StoreAPIKey(ctx, earlier, false)

		recs, _ := s.GetAPIKeys(ctx)
		if len(recs) != 2 || recs[0].KeyID != earlier.KeyID {
			t.Fatalf("expected records ordered by creation, got %v", recs)
		}

		earlier.EncryptedKey = "rotated"
		if err := s.StoreAPIKey(ctx, earlier, false); err != nil {
			t.Fatalf("StoreAPIKey() replace error = %v", err)
		}
		got, _ := s.GetAPIKey(ctx, earlier.KeyID)
		if got.EncryptedKey != "rotated" {
			t.Error("store must replace by key id")
		}
		if recs, _ := s.GetAPIKeys(ctx); len(recs) != 2 {
			t.Errorf("replace must not duplicate, got %d records", len(recs))
		}
	})

	t.Run("single default per provider", func(t *testing.T) {
		s := factory.ForUser("user-" + uuid.NewString())
		a := testRecord(models.ProviderAnthropic, base)
		b := testRecord(models.ProviderAnthropic, base.Add(time.Second))
		g := testRecord(models.ProviderGoogle, base)

		_ = s.StoreAPIKey(ctx, a, true)
		_ = s.StoreAPIKey(ctx, g, true)
		if err := s.StoreAPIKey(ctx, b, true); err != nil {
			t.Fatalf("StoreAPIKey() error = %v", err)
		}
		if ids := defaultIDs(t, s, models.ProviderAnthropic); len(ids) != 1 || ids[0] != b.KeyID {
			t.Errorf("expected only %s as default, got %v", b.KeyID, ids)
		}

		rec, err := s.SetDefaultAPIKey(ctx, a.KeyID)
		if err != nil || !rec.IsDefault || rec.KeyID != a.KeyID {
			t.Fatalf("SetDefaultAPIKey() = %+v, %v", rec, err)
		}
		if ids := defaultIDs(t, s, models.ProviderAnthropic); len(ids) != 1 || ids[0] != a.KeyID {
			t.Errorf("expected only %s as default, got %v", a.KeyID, ids)
		}
		if ids := defaultIDs(t, s, models.ProviderGoogle); len(ids) != 1 || ids[0] != g.KeyID {
			t.Errorf("other providers must keep their default, got %v", ids)
		}

		def, _ := s.GetDefaultAPIKey(ctx, models.ProviderAnthropic)
		if def == nil || def.KeyID != a.KeyID {
			t.Errorf("GetDefaultAPIKey() = %+v", def)
		}
		if none, err := s.GetDefaultAPIKey(ctx, models.ProviderOpenAI); none != nil || err != nil {
			t.Errorf("absent default must be nil, nil; got %v, %v", none, err)
		}

		if _, err := s.SetDefaultAPIKey(ctx, "key_missing"); !models.IsNotFound(err) {
			t.Errorf("expected NotFoundError, got %v", err)
		}
	})

	t.Run("rotate keeps default and usage", func(t *testing.T) {
		s := factory.ForUser("user-" + uuid.NewString())
		a := testRecord(models.ProviderOpenAI, base)
		b := testRecord(models.ProviderOpenAI, base.Add(time.Second))
		_ = s.StoreAPIKey(ctx, a, true)
		_ = s.StoreAPIKey(ctx, b, false)
		_ = s.UpdateAPIKeyUsage(ctx, b.KeyID)

		expires := base.Add(90 * 24 * time.Hour).Truncate(time.Second).UTC()
		got, err := s.RotateAPIKey(ctx, b.KeyID, "rotated-ciphertext", expires)
		if err != nil {
			t.Fatalf("RotateAPIKey() error = %v", err)
		}
		if got.EncryptedKey != "rotated-ciphertext" || got.ExpiresAt == nil || !got.ExpiresAt.Equal(expires) {
			t.Errorf("rotation not applied: %+v", got)
		}
		if got.IsDefault || got.LastUsedAt == nil || !got.CreatedAt.Equal(b.CreatedAt) {
			t.Errorf("rotation must leave default, usage and creation untouched: %+v", got)
		}
		if ids := defaultIDs(t, s, models.ProviderOpenAI); len(ids) != 1 || ids[0] != a.KeyID {
			t.Errorf("expected %s to stay default, got %v", a.KeyID, ids)
		}

		if _, err := s.RotateAPIKey(ctx, "key_missing", "x", expires); !models.IsNotFound(err) {
			t.Errorf("expected NotFoundError, got %v", err)
		}
	})

	t.Run("replace does not apply stale fields", func(t *testing.T) {
		s := factory.ForUser("user-" + uuid.NewString())
		a := testRecord(models.ProviderGoogle, base)
		b := testRecord(models.ProviderGoogle, base.Add(time.Second))
		_ = s.StoreAPIKey(ctx, a, true)
		_ = s.StoreAPIKey(ctx, b, false)

		stale, _ := s.GetAPIKey(ctx, a.KeyID)
		if _, err := s.SetDefaultAPIKey(ctx, b.KeyID); err != nil {
			t.Fatalf("SetDefaultAPIKey() error = %v", err)
		}
		_ = s.UpdateAPIKeyUsage(ctx, a.KeyID)

		stale.EncryptedKey = "replaced"
		if err := s.StoreAPIKey(ctx, stale, false); err != nil {
			t.Fatalf("StoreAPIKey() error = %v", err)
		}
		if ids := defaultIDs(t, s, models.ProviderGoogle); len(ids) != 1 || ids[0] != b.KeyID {
			t.Errorf("a stale default flag must not win, got %v", ids)
		}
		got, _ := s.GetAPIKey(ctx, a.KeyID)
		if got.EncryptedKey != "replaced" || got.LastUsedAt == nil {
			t.Errorf("replace must keep the newer usage timestamp: %+v", got)
		}
	})

	t.Run("usage delete and stats", func(t *testing.T) {
		s := factory.ForUser("user-" + uuid.NewString())
		rec := testRecord(models.ProviderOpenAI, base)
		_ = s.StoreAPIKey(ctx, rec, false)

		if err := s.UpdateAPIKeyUsage(ctx, rec.KeyID); err != nil {
			t.Fatalf("UpdateAPIKeyUsage() error = %v", err)
		}
		got, _ := s.GetAPIKey(ctx, rec.KeyID)
		if got.LastUsedAt == nil {
			t.Error("expected LastUsedAt to be set")
		}
		if err := s.UpdateAPIKeyUsage(ctx, "key_missing"); !models.IsNotFound(err) {
			t.Errorf("expected NotFoundError, got %v", err)
		}

		stats, err := s.GetStorageStats(ctx)
		if err != nil {
			t.Fatalf("GetStorageStats() error = %v", err)
		}
		if stats.APIKeysCount != 1 || stats.TotalSize != rec.EstimateSize() {
			t.Errorf("GetStorageStats() = %+v, want size %d", stats, rec.EstimateSize())
		}

		if err := s.DeleteAPIKey(ctx, rec.KeyID); err != nil {
			t.Fatalf("DeleteAPIKey() error = %v", err)
		}
		if got, _ := s.GetAPIKey(ctx, rec.KeyID); got != nil {
			t.Error("key should be deleted")
		}
	})

	t.Run("preferences", func(t *testing.T) {
		s := factory.ForUser("user-" + uuid.NewString())

		prefs, err := s.GetUserPreferences(ctx)
		if err != nil {
			t.Fatalf("GetUserPreferences() error = %v", err)
		}
		if prefs != models.DefaultUserPreferences() {
			t.Errorf("expected defaults, got %+v", prefs)
		}

		master := "session-master-key"
		provider := models.ProviderAnthropic
		off := false
		if err := s.SetUserPreferences(ctx, models.PreferencesPatch{EncryptionKey: &master, DefaultProvider: &provider}); err != nil {
			t.Fatalf("SetUserPreferences() error = %v", err)
		}
		if err := s.SetUserPreferences(ctx, models.PreferencesPatch{GeminiFallbackEnabled: &off}); err != nil {
			t.Fatalf("SetUserPreferences() error = %v", err)
		}

		prefs, _ = s.GetUserPreferences(ctx)
		want := models.UserPreferences{
			EncryptionKey:         master,
			DefaultProvider:       provider,
			GeminiFallbackEnabled: false,
			UsageTrackingEnabled:  true,
		}
		if prefs != want {
			t.Errorf("partial updates must merge: got %+v, want %+v", prefs, want)
		}
	})

	t.Run("users are isolated and clear resets", func(t *testing.T) {
		alice := factory.ForUser("alice-" + uuid.NewString())
		bob := factory.ForUser("bob-" + uuid.NewString())

		rec := testRecord(models.ProviderGoogle, base)
		_ = alice.StoreAPIKey(ctx, rec, true)
		_ = bob.StoreAPIKey(ctx, testRecord(models.ProviderGoogle, base), true)

		if got, _ := bob.GetAPIKey(ctx, rec.KeyID); got != nil {
			t.Error("users must not see each other's keys")
		}

		master := "alice-key"
		_ = alice.SetUserPreferences(ctx, models.PreferencesPatch{EncryptionKey: &master})
		if err := alice.ClearAllData(ctx); err != nil {
			t.Fatalf("ClearAllData() error = %v", err)
		}

		if recs, _ := alice.GetAPIKeys(ctx); len(recs) != 0 {
			t.Errorf("expected no keys after clear, got %d", len(recs))
		}
		if prefs, _ := alice.GetUserPreferences(ctx); prefs != models.DefaultUserPreferences() {
			t.Errorf("expected default preferences after clear, got %+v", prefs)
		}
		if recs, _ := bob.GetAPIKeys(ctx); len(recs) != 1 {
			t.Error("clearing one user must not affect another")
		}
	})
}
