package vault

import (
	"time"

	"siza-core/models"
)

// DefaultMaxKeyAge is the implicit lifetime of a key without an explicit expiry
const DefaultMaxKeyAge = 90 * 24 * time.Hour

// ExpiryPolicy decides whether a stored key is past its useful life
type ExpiryPolicy struct {
	MaxAge time.Duration
}

// DefaultExpiryPolicy applies DefaultMaxKeyAge
var DefaultExpiryPolicy = ExpiryPolicy{MaxAge: DefaultMaxKeyAge}

// IsExpired reports whether rec is expired at now.
// An explicit ExpiresAt wins; otherwise ages at or beyond MaxAge are expired.
func (p ExpiryPolicy) IsExpired(rec *models.APIKeyRecord, now time.Time) bool {
	if rec == nil {
		return true
	}
	if rec.ExpiresAt != nil {
		return !now.Before(*rec.ExpiresAt)
	}

	maxAge := p.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultMaxKeyAge
	}
	return now.Sub(rec.CreatedAt) >= maxAge
}

// ExpiresAt returns the moment rec stops being usable
func (p ExpiryPolicy) ExpiresAt(rec *models.APIKeyRecord) time.Time {
	if rec.ExpiresAt != nil {
		return *rec.ExpiresAt
	}
	maxAge := p.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultMaxKeyAge
	}
	return rec.CreatedAt.Add(maxAge)
}

// IsExpired applies DefaultExpiryPolicy
func IsExpired(rec *models.APIKeyRecord, now time.Time) bool {
	return DefaultExpiryPolicy.IsExpired(rec, now)
}
