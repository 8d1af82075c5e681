package router

import (
	"strings"

	appconfig "siza-core/config"
	"siza-core/models"
)

// Reason explains why a provider was chosen
type Reason string

const (
	ReasonDefault       Reason = "default"
	ReasonVision        Reason = "vision"
	ReasonQuality       Reason = "quality"
	ReasonFreeTier      Reason = "free-tier"
	ReasonQuotaFallback Reason = "quota-fallback"
)

// Decision is the provider and model selected for a request
type Decision struct {
	Provider models.Provider `json:"provider"`
	Model    string          `json:"model"`
	Reason   Reason          `json:"reason"`
}

// complexityTerms indicate a component that benefits from the quality model
var complexityTerms = []string{
	"state management",
	"animation",
	"api",
	"fetch",
	"auth",
	"validation",
	"drag-and-drop",
	"drag and drop",
	"real-time",
	"websocket",
	"canvas",
	"chart",
	"graph",
	"dashboard",
	"crud",
	"pagination",
	"infinite-scroll",
	"infinite scroll",
	"virtualized",
	"complex",
	"advanced",
}

// Policy maps routing reasons to models. It holds no mutable state.
type Policy struct {
	DefaultModel        string
	VisionModel         string
	FreeTierModel       string
	QualityModel        string
	ComplexityThreshold float64
}

// DefaultPolicy mirrors the configuration defaults
var DefaultPolicy = Policy{
	DefaultModel:        "gemini-2.0-flash",
	VisionModel:         "gemini-2.0-flash",
	FreeTierModel:       "gemini-2.0-flash",
	QualityModel:        "claude-sonnet-4-20250514",
	ComplexityThreshold: 0.6,
}

// PolicyFromConfig builds a Policy from the routing section
func PolicyFromConfig(cfg appconfig.RoutingConfig) Policy {
	return Policy{
		DefaultModel:        cfg.DefaultModel,
		VisionModel:         cfg.VisionModel,
		FreeTierModel:       cfg.FreeTierModel,
		QualityModel:        cfg.QualityModel,
		ComplexityThreshold: cfg.ComplexityThreshold,
	}
}

// Route picks a provider for a request that did not pin one.
// Images win over everything, then free tier, then prompt complexity.
func (p Policy) Route(prompt string, hasImage, isFreeTier bool) Decision {
	switch {
	case hasImage:
		return Decision{Provider: models.ProviderGoogle, Model: p.VisionModel, Reason: ReasonVision}
	case isFreeTier:
		return Decision{Provider: models.ProviderGoogle, Model: p.FreeTierModel, Reason: ReasonFreeTier}
	case ComplexityScore(prompt) >= p.ComplexityThreshold:
		return Decision{Provider: models.ProviderAnthropic, Model: p.QualityModel, Reason: ReasonQuality}
	default:
		return Decision{Provider: models.ProviderGoogle, Model: p.DefaultModel, Reason: ReasonDefault}
	}
}

// ModelFor returns the model used when provider serves a request it was not routed to
func (p Policy) ModelFor(provider models.Provider) string {
	switch provider {
	case models.ProviderAnthropic:
		return p.QualityModel
	case models.ProviderGoogle:
		return p.DefaultModel
	default:
		return ""
	}
}

// Route applies DefaultPolicy
func Route(prompt string, hasImage, isFreeTier bool) Decision {
	return DefaultPolicy.Route(prompt, hasImage, isFreeTier)
}

// ComplexityScore rates prompt in [0,1] from its length and the distinct complexity terms it mentions
func ComplexityScore(prompt string) float64 {
	words := len(strings.Fields(prompt))
	lower := strings.ToLower(prompt)

	hits := 0
	for _, term := range complexityTerms {
		if strings.Contains(lower, term) {
			hits++
		}
	}

	score := min(float64(words)/200, 0.5) + min(float64(hits)/5, 0.5)
	return max(0, min(score, 1))
}

var quotaSignatures = []string{
	"quota",
	"429",
	"rate limit",
	"resource_exhausted",
	"too many requests",
}

// IsQuotaError reports whether an error message signals quota or rate limit exhaustion
func IsQuotaError(message string) bool {
	lower := strings.ToLower(message)
	for _, sig := range quotaSignatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}
