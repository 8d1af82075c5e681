package services

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/sony/gobreaker/v2"

	"siza-core/models"
	"siza-core/observability"
)

func TestClients_Dispatch(t *testing.T) {
	clients := NewTestClients(&http.Client{}, "http://google.invalid", "http://anthropic.invalid")

	for _, p := range models.AllProviders() {
		gen, err := clients.Generator(p)
		if err != nil {
			t.Fatalf("Generator(%s) error: %v", p, err)
		}
		if gen.Provider() != p {
			t.Errorf("Generator(%s).Provider() = %s", p, gen.Provider())
		}
		if _, err := clients.Completer(p); err != nil {
			t.Errorf("Completer(%s) error: %v", p, err)
		}
		if clients.HasServerCredentials(p) {
			t.Errorf("expected no server credentials for %s", p)
		}
	}

	if _, err := clients.Generator(models.Provider("mistral")); err == nil {
		t.Error("expected error for unknown provider")
	}
	if _, err := clients.Completer(models.Provider("mistral")); err == nil {
		t.Error("expected error for unknown provider")
	}
}

// keyedCompleter answers per API key
type keyedCompleter map[string]error

func (k keyedCompleter) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	if err := k[req.APIKey]; err != nil {
		return nil, err
	}
	return &Completion{Content: "ok for " + req.APIKey}, nil
}

func TestGuardedCompleter_QuotaOfOneUserDoesNotBlockAnother(t *testing.T) {
	const exhausted, healthy = "AIza-user-a", "AIza-user-b"
	completer := &guardedCompleter{
		provider: models.ProviderGoogle,
		inner: keyedCompleter{
			exhausted: &ProviderError{Provider: models.ProviderGoogle, StatusCode: http.StatusTooManyRequests, Message: "Quota exceeded for quota metric"},
		},
		breakers: NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig),
	}

	for i := 0; i < 10; i++ {
		_, err := completer.Complete(context.Background(), CompletionRequest{APIKey: exhausted, Prompt: "p"})
		var perr *ProviderError
		if !errors.As(err, &perr) || perr.StatusCode != http.StatusTooManyRequests {
			t.Fatalf("call %d: expected the user's 429 unchanged, got %v", i, err)
		}
	}

	got, err := completer.Complete(context.Background(), CompletionRequest{APIKey: healthy, Prompt: "p"})
	if err != nil {
		t.Fatalf("second user must not be blocked by the first user's quota: %v", err)
	}
	if got.Content != "ok for "+healthy {
		t.Errorf("unexpected completion %+v", got)
	}
	if state := completer.breakers.GetBreaker("google").State(); state != gobreaker.StateClosed {
		t.Errorf("expected google breaker closed, got %s", state)
	}
}

func externalAPIDurationSamples(t *testing.T, service string) uint64 {
	t.Helper()
	observer := observability.GetMetrics().ExternalAPIDuration.WithLabelValues(service, "complete")
	var m dto.Metric
	if err := observer.(prometheus.Metric).Write(&m); err != nil {
		t.Fatalf("failed to read histogram: %v", err)
	}
	return m.GetHistogram().GetSampleCount()
}

func TestGuardedCompleter_ObservesDuration(t *testing.T) {
	completer := &guardedCompleter{
		provider: models.ProviderOpenAI,
		inner: keyedCompleter{
			"sk-broken": &ProviderError{Provider: models.ProviderOpenAI, StatusCode: http.StatusBadGateway, Message: "upstream"},
		},
		breakers: NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig),
	}
	before := externalAPIDurationSamples(t, "openai")

	if _, err := completer.Complete(context.Background(), CompletionRequest{APIKey: "sk-ok", Prompt: "p"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := completer.Complete(context.Background(), CompletionRequest{APIKey: "sk-broken", Prompt: "p"}); err == nil {
		t.Fatal("expected provider error")
	}

	if got := externalAPIDurationSamples(t, "openai") - before; got != 2 {
		t.Errorf("expected 2 duration samples, got %d", got)
	}
}

func TestGuardedCompleter_OpensAfterFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	clients := NewTestClients(&http.Client{}, server.URL, server.URL)
	completer, err := clients.Completer(models.ProviderGoogle)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req := CompletionRequest{APIKey: "AIza-user", Prompt: "p"}
	for i := 0; i < 5; i++ {
		if _, err := completer.Complete(context.Background(), req); err == nil {
			t.Fatal("expected provider error")
		}
	}

	_, err = completer.Complete(context.Background(), req)
	if err == nil || !strings.Contains(err.Error(), "circuit breaker open") {
		t.Errorf("expected open breaker, got %v", err)
	}
	if status := clients.BreakerStatus()["google"]; status.State != "open" {
		t.Errorf("expected google breaker open, got %+v", status)
	}
}
