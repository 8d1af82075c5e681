package models

// UserPreferences holds per-user BYOK settings.
// EncryptionKey is session-scoped and is never serialized.
type UserPreferences struct {
	EncryptionKey         string   `json:"-"`
	DefaultProvider       Provider `json:"defaultProvider,omitempty"`
	GeminiFallbackEnabled bool     `json:"geminiFallbackEnabled"`
	UsageTrackingEnabled  bool     `json:"usageTrackingEnabled"`
}

// DefaultUserPreferences returns the preferences of a user who never changed them
func DefaultUserPreferences() UserPreferences {
	return UserPreferences{
		GeminiFallbackEnabled: true,
		UsageTrackingEnabled:  true,
	}
}

// PreferencesPatch is a partial update; nil fields are left unchanged
type PreferencesPatch struct {
	EncryptionKey         *string   `json:"-"`
	DefaultProvider       *Provider `json:"defaultProvider,omitempty"`
	GeminiFallbackEnabled *bool     `json:"geminiFallbackEnabled,omitempty"`
	UsageTrackingEnabled  *bool     `json:"usageTrackingEnabled,omitempty"`
}

// Apply returns prefs with every non-nil patch field applied
func (p PreferencesPatch) Apply(prefs UserPreferences) UserPreferences {
	if p.EncryptionKey != nil {
		prefs.EncryptionKey = *p.EncryptionKey
	}
	if p.DefaultProvider != nil {
		prefs.DefaultProvider = *p.DefaultProvider
	}
	if p.GeminiFallbackEnabled != nil {
		prefs.GeminiFallbackEnabled = *p.GeminiFallbackEnabled
	}
	if p.UsageTrackingEnabled != nil {
		prefs.UsageTrackingEnabled = *p.UsageTrackingEnabled
	}
	return prefs
}
