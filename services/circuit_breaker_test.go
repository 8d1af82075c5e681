package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
)

func TestNewCircuitBreakerRegistry(t *testing.T) {
	config := CircuitBreakerConfig{
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
	}

	registry := NewCircuitBreakerRegistry(config)

	if registry == nil {
		t.Fatal("expected registry to be created")
	}
	if registry.breakers == nil {
		t.Error("expected breakers map to be initialized")
	}
	if registry.config != config {
		t.Error("expected config to be set")
	}
}

func TestCircuitBreakerRegistry_GetBreaker(t *testing.T) {
	registry := NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig)

	// First call should create a new breaker
	breaker1 := registry.GetBreaker("test-service")
	if breaker1 == nil {
		t.Fatal("expected breaker to be created")
	}

	// Second call should return the same breaker
	breaker2 := registry.GetBreaker("test-service")
	if breaker1 != breaker2 {
		t.Error("expected same breaker instance")
	}

	// Different name should create different breaker
	breaker3 := registry.GetBreaker("other-service")
	if breaker1 == breaker3 {
		t.Error("expected different breaker for different name")
	}
}

func TestCircuitBreakerRegistry_Execute_Success(t *testing.T) {
	registry := NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig)
	ctx := context.Background()

	result, err := registry.Execute(ctx, "test-service", func() (any, error) {
		return "success", nil
	})

	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if result != "success" {
		t.Errorf("expected 'success', got %v", result)
	}
}

func TestCircuitBreakerRegistry_Execute_Error(t *testing.T) {
	registry := NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig)
	ctx := context.Background()

	expectedErr := errors.New("test error")
	result, err := registry.Execute(ctx, "test-service", func() (any, error) {
		return nil, expectedErr
	})

	if err == nil {
		t.Error("expected error")
	}
	if result != nil {
		t.Errorf("expected nil result, got %v", result)
	}
}

func TestCircuitBreakerRegistry_Execute_ContextCanceled(t *testing.T) {
	registry := NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig)
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // Cancel immediately

	_, err := registry.Execute(ctx, "test-service", func() (any, error) {
		return "should not reach", nil
	})

	if err == nil {
		t.Error("expected error due to cancelled context")
	}
}

func TestCircuitBreakerRegistry_Status(t *testing.T) {
	registry := NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig)
	ctx := context.Background()

	// Execute a successful call to create a breaker
	_, _ = registry.Execute(ctx, "service-a", func() (any, error) {
		return "ok", nil
	})

	// Execute a failed call
	_, _ = registry.Execute(ctx, "service-b", func() (any, error) {
		return nil, errors.New("fail")
	})

	status := registry.Status()

	if len(status) != 2 {
		t.Errorf("expected 2 breakers in status, got %d", len(status))
	}

	if _, exists := status["service-a"]; !exists {
		t.Error("expected service-a in status")
	}
	if _, exists := status["service-b"]; !exists {
		t.Error("expected service-b in status")
	}

	// Check service-a has success
	if status["service-a"].TotalSuccesses != 1 {
		t.Errorf("expected 1 success for service-a, got %d", status["service-a"].TotalSuccesses)
	}

	// Check service-b has failure
	if status["service-b"].TotalFailures != 1 {
		t.Errorf("expected 1 failure for service-b, got %d", status["service-b"].TotalFailures)
	}
}

func TestCircuitBreakerRegistry_TripsAfterProviderOutage(t *testing.T) {
	config := CircuitBreakerConfig{
		MaxRequests: 1,
		Interval:    1 * time.Minute,
		Timeout:     1 * time.Minute,
	}
	registry := NewCircuitBreakerRegistry(config)
	ctx := context.Background()

	// Five server-side failures reach the 50% failure ratio
	for range 5 {
		_, _ = registry.Execute(ctx, "google", func() (any, error) {
			return nil, &ProviderError{Provider: "google", StatusCode: 503, Message: "overloaded"}
		})
	}

	if state := registry.Status()["google"].State; state != "open" {
		t.Fatalf("expected breaker to be open, got %s", state)
	}

	called := false
	_, err := registry.Execute(ctx, "google", func() (any, error) {
		called = true
		return nil, nil
	})
	if called {
		t.Error("an open breaker must not call the provider")
	}
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if err.Error() != "service google unavailable: circuit breaker open" {
		t.Errorf("unexpected error message: %v", err)
	}

	// Other providers keep their own breaker
	if _, err := registry.Execute(ctx, "anthropic", func() (any, error) { return "ok", nil }); err != nil {
		t.Errorf("anthropic should be unaffected, got %v", err)
	}
}

func TestExecuteWithBreaker_Completion(t *testing.T) {
	registry := NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig)
	ctx := context.Background()

	result, err := ExecuteWithBreaker(ctx, registry, "openai", func() (*Completion, error) {
		return &Completion{Content: "<Card />", Usage: Usage{PromptTokens: 12, CompletionTokens: 4}}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Content != "<Card />" || result.Usage.CompletionTokens != 4 {
		t.Errorf("unexpected result: %+v", result)
	}

	result, err = ExecuteWithBreaker(ctx, registry, "openai", func() (*Completion, error) {
		return nil, &ProviderError{Provider: "openai", StatusCode: 429, Message: "quota exceeded"}
	})
	var perr *ProviderError
	if !errors.As(err, &perr) || perr.StatusCode != 429 {
		t.Errorf("provider errors must pass through unchanged, got %v", err)
	}
	if result != nil {
		t.Errorf("expected nil result on error, got %+v", result)
	}
}

func TestDefaultCircuitBreakerConfig(t *testing.T) {
	if DefaultCircuitBreakerConfig.MaxRequests != 5 {
		t.Errorf("expected MaxRequests=5, got %d", DefaultCircuitBreakerConfig.MaxRequests)
	}
	if DefaultCircuitBreakerConfig.Interval != 1*time.Minute {
		t.Errorf("expected Interval=1m, got %v", DefaultCircuitBreakerConfig.Interval)
	}
	if DefaultCircuitBreakerConfig.Timeout != 30*time.Second {
		t.Errorf("expected Timeout=30s, got %v", DefaultCircuitBreakerConfig.Timeout)
	}
}

func TestCountsAsHealthy(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, true},
		{"canceled", context.Canceled, true},
		{"bad user key", &ProviderError{Provider: "openai", StatusCode: 401, Message: "invalid key"}, true},
		{"bad request", &ProviderError{Provider: "google", StatusCode: 400, Message: "bad"}, true},
		{"rate limited", &ProviderError{Provider: "google", StatusCode: 429, Message: "quota"}, true},
		{"server error", &ProviderError{Provider: "anthropic", StatusCode: 503, Message: "overloaded"}, false},
		{"transport error", errors.New("connection refused"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := countsAsHealthy(tt.err); got != tt.want {
				t.Errorf("countsAsHealthy(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestCircuitBreakerRegistry_UserErrorsDoNotTrip(t *testing.T) {
	config := CircuitBreakerConfig{
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     time.Minute,
	}
	registry := NewCircuitBreakerRegistry(config)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, _ = registry.Execute(ctx, "openai", func() (any, error) {
			return nil, &ProviderError{Provider: "openai", StatusCode: 401, Message: "invalid key"}
		})
	}

	if state := registry.GetBreaker("openai").State(); state != gobreaker.StateClosed {
		t.Errorf("expected breaker to stay closed on 401s, got %s", state)
	}
}

func TestCircuitBreakerRegistry_Concurrent(t *testing.T) {
	registry := NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig)
	ctx := context.Background()

	done := make(chan bool)
	errChan := make(chan error, 10)

	// Run concurrent requests
	for i := 0; i < 10; i++ {
		go func(id int) {
			_, err := registry.Execute(ctx, "anthropic", func() (any, error) {
				return id, nil
			})
			if err != nil {
				errChan <- err
			}
			done <- true
		}(i)
	}

	// Wait for all goroutines
	for i := 0; i < 10; i++ {
		<-done
	}

	close(errChan)
	for err := range errChan {
		t.Errorf("concurrent execution error: %v", err)
	}

	// Verify breaker was created and has correct counts
	status := registry.Status()
	if status["anthropic"].TotalSuccesses != 10 {
		t.Errorf("expected 10 successes, got %d", status["anthropic"].TotalSuccesses)
	}
}

func TestCircuitBreakerRegistry_GetBreaker_Concurrent(t *testing.T) {
	// Test concurrent GetBreaker calls for the same name to exercise the double-check path
	registry := NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig)

	const goroutines = 100
	var wg sync.WaitGroup
	breakers := make(chan *gobreaker.CircuitBreaker[any], goroutines)

	// Launch many goroutines that all try to get the same breaker simultaneously
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			cb := registry.GetBreaker("google")
			breakers <- cb
		}()
	}

	wg.Wait()
	close(breakers)

	// All goroutines should get the same breaker instance
	var first *gobreaker.CircuitBreaker[any]
	for cb := range breakers {
		if first == nil {
			first = cb
		} else if cb != first {
			t.Error("all goroutines should get the same breaker instance")
		}
	}

	// Verify only one breaker was created
	status := registry.Status()
	if len(status) != 1 {
		t.Errorf("expected 1 breaker, got %d", len(status))
	}
}
