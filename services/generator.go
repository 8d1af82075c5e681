package services

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"siza-core/models"
)

// Generator streams a component generation from one provider.
// The returned sequence is single-pass; stopping iteration early releases the
// underlying connection.
type Generator interface {
	Provider() models.Provider
	Stream(ctx context.Context, opts GenerateOptions) iter.Seq[Event]
}

// CompletionRequest is a one-shot, non-streaming generation call
type CompletionRequest struct {
	APIKey       string
	Model        string
	SystemPrompt string
	Prompt       string
	MaxTokens    int
}

// Usage reports token consumption for a completion
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
}

// Completion is the normalised result of a one-shot call
type Completion struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

// Completer performs one-shot generations against one provider
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
}

// ProviderError reports a failed provider call
type ProviderError struct {
	Provider   models.Provider
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s API error (%d): %s", e.Provider.DisplayName(), e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s API error: %s", e.Provider.DisplayName(), e.Message)
}

// missingKeyMessage is the error event emitted before any network call when no key is available
func missingKeyMessage(p models.Provider) string {
	return fmt.Sprintf("%s API key is not configured", p.DisplayName())
}

// truncateBody keeps provider error bodies short enough for an event message
func truncateBody(body []byte) string {
	const max = 500
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

// categorizeAPIError categorizes an error message for metrics purposes
func categorizeAPIError(msg string) string {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "deadline"):
		return "timeout"
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "429"),
		strings.Contains(lower, "quota"), strings.Contains(lower, "resource_exhausted"):
		return "rate_limit"
	case strings.Contains(lower, "unauthorized"), strings.Contains(lower, "401"), strings.Contains(lower, "403"):
		return "auth_error"
	case strings.Contains(lower, "not configured"):
		return "missing_key"
	case strings.Contains(lower, "connection"), strings.Contains(lower, "network"):
		return "connection_error"
	default:
		return "unknown"
	}
}
