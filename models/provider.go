package models

import "strings"

// Provider identifies an AI backend that can serve generation requests
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
)

// AllProviders returns every known provider in a fixed order
func AllProviders() []Provider {
	return []Provider{ProviderGoogle, ProviderOpenAI, ProviderAnthropic}
}

// Valid reports whether p is a known provider
func (p Provider) Valid() bool {
	switch p {
	case ProviderGoogle, ProviderOpenAI, ProviderAnthropic:
		return true
	default:
		return false
	}
}

// String implements fmt.Stringer
func (p Provider) String() string {
	return string(p)
}

// DisplayName returns a human-readable name for a provider
func (p Provider) DisplayName() string {
	switch p {
	case ProviderGoogle:
		return "Google Gemini"
	case ProviderOpenAI:
		return "OpenAI"
	case ProviderAnthropic:
		return "Anthropic Claude"
	default:
		return string(p)
	}
}

// ParseProvider normalizes s and returns the matching provider.
// The second return value is false for unknown providers.
func ParseProvider(s string) (Provider, bool) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	if p == "gemini" {
		p = ProviderGoogle
	}
	return p, p.Valid()
}
