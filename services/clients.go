package services

import (
	"context"
	"fmt"
	"net/http"

	appconfig "siza-core/config"
	"siza-core/models"
	"siza-core/observability"
)

// Clients bundles one client per provider and dispatches on models.Provider
type Clients struct {
	Google    *GoogleClient
	OpenAI    *OpenAIClient
	Anthropic *AnthropicClient

	breakers *CircuitBreakerRegistry
}

// NewClients builds every provider client from cfg.
// Bedrock is only wired when enabled, since loading AWS config can fail without credentials.
func NewClients(ctx context.Context, cfg *appconfig.Config) (*Clients, error) {
	httpClient := &http.Client{Timeout: cfg.Server.WriteTimeout}

	var bedrock *BedrockStreamer
	if cfg.HasBedrock() {
		b, err := NewBedrockStreamer(ctx, cfg.Bedrock)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize bedrock: %w", err)
		}
		bedrock = b
		observability.Info("bedrock enabled for server-side claude", "region", cfg.Bedrock.Region, "model", cfg.Bedrock.ModelID)
	}

	return &Clients{
		Google:    NewGoogleClient(httpClient, cfg.Google),
		OpenAI:    NewOpenAIClient(cfg.OpenAI),
		Anthropic: NewAnthropicClient(httpClient, cfg.Anthropic, bedrock),
		breakers:  NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig),
	}, nil
}

// NewTestClients wires clients against explicit base URLs with no server-side keys
func NewTestClients(httpClient *http.Client, googleURL, anthropicURL string) *Clients {
	cfg := appconfig.NewTestConfig()
	cfg.Google.BaseURL = googleURL
	cfg.Anthropic.BaseURL = anthropicURL
	return &Clients{
		Google:    NewGoogleClient(httpClient, cfg.Google),
		OpenAI:    NewOpenAIClient(cfg.OpenAI),
		Anthropic: NewAnthropicClient(httpClient, cfg.Anthropic, nil),
		breakers:  NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig),
	}
}

// Generator returns the streaming generator for p
func (c *Clients) Generator(p models.Provider) (Generator, error) {
	switch p {
	case models.ProviderGoogle:
		return c.Google, nil
	case models.ProviderOpenAI:
		return c.OpenAI, nil
	case models.ProviderAnthropic:
		return c.Anthropic, nil
	default:
		return nil, fmt.Errorf("unsupported provider: %q", p)
	}
}

// Completer returns the circuit-breaker-guarded one-shot client for p
func (c *Clients) Completer(p models.Provider) (Completer, error) {
	var inner Completer
	switch p {
	case models.ProviderGoogle:
		inner = c.Google
	case models.ProviderOpenAI:
		inner = c.OpenAI
	case models.ProviderAnthropic:
		inner = c.Anthropic
	default:
		return nil, fmt.Errorf("unsupported provider: %q", p)
	}
	return &guardedCompleter{provider: p, inner: inner, breakers: c.breakers}, nil
}

// HasServerCredentials reports whether the process itself can call p without a user key
func (c *Clients) HasServerCredentials(p models.Provider) bool {
	switch p {
	case models.ProviderGoogle:
		return c.Google.HasServerKey()
	case models.ProviderOpenAI:
		return c.OpenAI.HasServerKey()
	case models.ProviderAnthropic:
		return c.Anthropic.HasServerKey()
	default:
		return false
	}
}

// BreakerStatus exposes circuit breaker state for health endpoints
func (c *Clients) BreakerStatus() map[string]CircuitBreakerStatus {
	return c.breakers.Status()
}

// guardedCompleter runs completions through the provider's circuit breaker and records metrics
type guardedCompleter struct {
	provider models.Provider
	inner    Completer
	breakers *CircuitBreakerRegistry
}

func (g *guardedCompleter) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	name := g.provider.String()
	metrics := observability.GetMetrics()
	metrics.RecordExternalAPIRequest(name, "complete")
	timer := metrics.NewTimer()

	result, err := ExecuteWithBreaker(ctx, g.breakers, name, func() (*Completion, error) {
		return g.inner.Complete(ctx, req)
	})

	timer.ObserveExternalAPI(name, "complete")
	if err != nil {
		metrics.RecordExternalAPIError(name, "complete", categorizeAPIError(err.Error()))
	}
	return result, err
}
