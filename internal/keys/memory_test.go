package keys

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"siza-core/models"
)

func record(id string, p models.Provider, created time.Time) *models.APIKeyRecord {
	return &models.APIKeyRecord{
		Provider:     p,
		EncryptedKey: "ciphertext-" + id,
		KeyID:        id,
		CreatedAt:    created,
	}
}

func countDefaults(t *testing.T, s Store, p models.Provider) []string {
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

func TestMemoryStore_StoreAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	if err := s.StoreAPIKey(ctx, record("key_b", models.ProviderOpenAI, now), false); err != nil {
		t.Fatalf("StoreAPIKey() error = %v", err)
	}
	if err := s.StoreAPIKey(ctx, record("key_a", models.ProviderGoogle, now.Add(-time.Hour)), false); err != nil {
		t.Fatalf("StoreAPIKey() error = %v", err)
	}

	got, err := s.GetAPIKey(ctx, "key_b")
	if err != nil || got == nil {
		t.Fatalf("GetAPIKey() = %v, %v", got, err)
	}
	got.EncryptedKey = "mutated"
	again, _ := s.GetAPIKey(ctx, "key_b")
	if again.EncryptedKey != "ciphertext-key_b" {
		t.Error("store state must not be mutable through returned records")
	}

	missing, err := s.GetAPIKey(ctx, "key_missing")
	if err != nil || missing != nil {
		t.Errorf("expected nil, nil for missing key, got %v, %v", missing, err)
	}

	all, _ := s.GetAPIKeys(ctx)
	if len(all) != 2 || all[0].KeyID != "key_a" {
		t.Errorf("expected records ordered by creation, got %+v", all)
	}
}

func TestMemoryStore_DefaultInvariant(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	_ = s.StoreAPIKey(ctx, record("key_1", models.ProviderOpenAI, now), true)
	_ = s.StoreAPIKey(ctx, record("key_2", models.ProviderOpenAI, now), true)
	_ = s.StoreAPIKey(ctx, record("key_3", models.ProviderGoogle, now), true)

	if ids := countDefaults(t, s, models.ProviderOpenAI); len(ids) != 1 || ids[0] != "key_2" {
		t.Errorf("expected key_2 as only openai default, got %v", ids)
	}
	if ids := countDefaults(t, s, models.ProviderGoogle); len(ids) != 1 {
		t.Errorf("other providers must keep their default, got %v", ids)
	}

	rec, err := s.SetDefaultAPIKey(ctx, "key_1")
	if err != nil || !rec.IsDefault {
		t.Fatalf("SetDefaultAPIKey() = %+v, %v", rec, err)
	}
	if ids := countDefaults(t, s, models.ProviderOpenAI); len(ids) != 1 || ids[0] != "key_1" {
		t.Errorf("expected key_1 as only openai default, got %v", ids)
	}

	def, _ := s.GetDefaultAPIKey(ctx, models.ProviderOpenAI)
	if def == nil || def.KeyID != "key_1" {
		t.Errorf("GetDefaultAPIKey() = %+v", def)
	}
	none, _ := s.GetDefaultAPIKey(ctx, models.ProviderAnthropic)
	if none != nil {
		t.Errorf("expected no anthropic default, got %+v", none)
	}

	if _, err := s.SetDefaultAPIKey(ctx, "key_missing"); !models.IsNotFound(err) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
}

func TestMemoryStore_ConcurrentDefaults(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for i := 0; i < 10; i++ {
		_ = s.StoreAPIKey(ctx, record(fmt.Sprintf("key_%d", i), models.ProviderAnthropic, time.Now()), false)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = s.SetDefaultAPIKey(ctx, fmt.Sprintf("key_%d", i))
		}(i)
	}
	wg.Wait()

	if ids := countDefaults(t, s, models.ProviderAnthropic); len(ids) != 1 {
		t.Errorf("expected exactly one default after concurrent updates, got %v", ids)
	}
}

func TestMemoryStore_UsagePreferencesAndStats(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	_ = s.StoreAPIKey(ctx, record("key_1", models.ProviderOpenAI, fixed), false)

	if err := s.UpdateAPIKeyUsage(ctx, "key_1"); err != nil {
		t.Fatalf("UpdateAPIKeyUsage() error = %v", err)
	}
	rec, _ := s.GetAPIKey(ctx, "key_1")
	if rec.LastUsedAt == nil || !rec.LastUsedAt.Equal(fixed) {
		t.Errorf("expected LastUsedAt=%v, got %v", fixed, rec.LastUsedAt)
	}
	if err := s.UpdateAPIKeyUsage(ctx, "key_missing"); !models.IsNotFound(err) {
		t.Errorf("expected NotFoundError, got %v", err)
	}

	prefs, _ := s.GetUserPreferences(ctx)
	if !prefs.GeminiFallbackEnabled || !prefs.UsageTrackingEnabled {
		t.Errorf("unexpected default preferences %+v", prefs)
	}
	off := false
	_ = s.SetUserPreferences(ctx, models.PreferencesPatch{GeminiFallbackEnabled: &off})
	prefs, _ = s.GetUserPreferences(ctx)
	if prefs.GeminiFallbackEnabled || !prefs.UsageTrackingEnabled {
		t.Errorf("patch should only change the supplied field, got %+v", prefs)
	}

	stats, _ := s.GetStorageStats(ctx)
	if stats.APIKeysCount != 1 || stats.TotalSize <= 0 {
		t.Errorf("unexpected stats %+v", stats)
	}

	if err := s.DeleteAPIKey(ctx, "key_1"); err != nil {
		t.Fatalf("DeleteAPIKey() error = %v", err)
	}
	_ = s.StoreAPIKey(ctx, record("key_2", models.ProviderOpenAI, fixed), false)
	if err := s.ClearAllData(ctx); err != nil {
		t.Fatalf("ClearAllData() error = %v", err)
	}
	stats, _ = s.GetStorageStats(ctx)
	if stats.APIKeysCount != 0 || stats.TotalSize != 0 {
		t.Errorf("expected empty store, got %+v", stats)
	}
	prefs, _ = s.GetUserPreferences(ctx)
	if !prefs.GeminiFallbackEnabled {
		t.Error("ClearAllData should reset preferences")
	}
}

func TestMemoryStoreFactory_IsolatesUsers(t *testing.T) {
	ctx := context.Background()
	f := NewMemoryStoreFactory()

	_ = f.ForUser("alice").StoreAPIKey(ctx, record("key_1", models.ProviderOpenAI, time.Now()), false)

	if recs, _ := f.ForUser("bob").GetAPIKeys(ctx); len(recs) != 0 {
		t.Errorf("expected bob to see no keys, got %d", len(recs))
	}
	if recs, _ := f.ForUser("alice").GetAPIKeys(ctx); len(recs) != 1 {
		t.Errorf("expected alice's store to be reused, got %d keys", len(recs))
	}
}
