package models

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestParseProvider(t *testing.T) {
	tests := []struct {
		input string
		want  Provider
		ok    bool
	}{
		{"openai", ProviderOpenAI, true},
		{" Anthropic ", ProviderAnthropic, true},
		{"GOOGLE", ProviderGoogle, true},
		{"gemini", ProviderGoogle, true},
		{"mistral", Provider("mistral"), false},
		{"", Provider(""), false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := ParseProvider(tt.input)
			if got != tt.want || ok != tt.ok {
				t.Errorf("ParseProvider(%q) = (%v, %v), want (%v, %v)", tt.input, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestAllProvidersAreValid(t *testing.T) {
	providers := AllProviders()
	if len(providers) != 3 {
		t.Fatalf("AllProviders() returned %d providers, want 3", len(providers))
	}
	for _, p := range providers {
		if !p.Valid() {
			t.Errorf("provider %q should be valid", p)
		}
		if p.DisplayName() == string(p) {
			t.Errorf("provider %q has no display name", p)
		}
	}
}

func TestAPIKeyRecordClone(t *testing.T) {
	used := time.Now()
	rec := &APIKeyRecord{KeyID: "key_1", Provider: ProviderOpenAI, LastUsedAt: &used}

	clone := rec.Clone()
	clone.IsDefault = true
	*clone.LastUsedAt = used.Add(time.Hour)

	if rec.IsDefault {
		t.Error("Clone() shares IsDefault with the original")
	}
	if !rec.LastUsedAt.Equal(used) {
		t.Error("Clone() shares LastUsedAt pointer with the original")
	}

	var nilRec *APIKeyRecord
	if nilRec.Clone() != nil {
		t.Error("Clone() of nil should be nil")
	}
}

func TestPreferencesPatchApply(t *testing.T) {
	prefs := DefaultUserPreferences()
	provider := ProviderAnthropic
	disabled := false

	got := PreferencesPatch{DefaultProvider: &provider, GeminiFallbackEnabled: &disabled}.Apply(prefs)

	if got.DefaultProvider != ProviderAnthropic {
		t.Errorf("DefaultProvider = %v, want anthropic", got.DefaultProvider)
	}
	if got.GeminiFallbackEnabled {
		t.Error("GeminiFallbackEnabled should be false")
	}
	if !got.UsageTrackingEnabled {
		t.Error("UsageTrackingEnabled should be unchanged")
	}
}

func TestErrorPredicates(t *testing.T) {
	wrappedStorage := fmt.Errorf("outer: %w", NewStorageError("get", errors.New("disk full")))

	if !IsValidation(NewValidationError("bad")) {
		t.Error("IsValidation should match ValidationError")
	}
	if !IsNotFound(fmt.Errorf("wrap: %w", NewNotFoundError("API key not found"))) {
		t.Error("IsNotFound should match wrapped NotFoundError")
	}
	if !IsDecryption(&DecryptionError{}) {
		t.Error("IsDecryption should match any DecryptionError")
	}
	if !IsStorage(wrappedStorage) {
		t.Error("IsStorage should match wrapped StorageError")
	}
	if IsStorage(errors.New("plain")) {
		t.Error("IsStorage should not match a plain error")
	}
	if NewStorageError("get", nil) != nil {
		t.Error("NewStorageError(nil) should be nil")
	}
}
