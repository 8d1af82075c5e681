package services

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strings"

	appconfig "siza-core/config"
	"siza-core/models"
	"siza-core/observability"

	"google.golang.org/genai"
)

// GoogleClient talks to the Gemini API through the genai SDK.
// The key is supplied per call, so one client serves every user.
type GoogleClient struct {
	httpClient *http.Client
	baseURL    string
	serverKey  string
	model      string
	maxTokens  int
}

// NewGoogleClient creates a Gemini client; cfg.APIKey is the optional server-side key
func NewGoogleClient(httpClient *http.Client, cfg appconfig.ProviderConfig) *GoogleClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	baseURL := ""
	if cfg.BaseURL != "" {
		baseURL = strings.TrimRight(cfg.BaseURL, "/") + "/"
	}
	return &GoogleClient{
		httpClient: httpClient,
		baseURL:    baseURL,
		serverKey:  cfg.APIKey,
		model:      cfg.Model,
		maxTokens:  cfg.MaxTokens,
	}
}

// Provider implements Generator
func (c *GoogleClient) Provider() models.Provider {
	return models.ProviderGoogle
}

// HasServerKey reports whether a server-side Gemini key is configured
func (c *GoogleClient) HasServerKey() bool {
	return c.serverKey != ""
}

// sdk binds the SDK to key. Building a genai client makes no network calls.
func (c *GoogleClient) sdk(ctx context.Context, key string) (*genai.Models, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      key,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  c.httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: c.baseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return client.Models, nil
}

func geminiContents(prompt string, opts GenerateOptions) ([]*genai.Content, error) {
	parts := []*genai.Part{{Text: prompt}}
	if opts.HasImage() {
		data, err := base64.StdEncoding.DecodeString(opts.ImageBase64)
		if err != nil {
			return nil, models.NewValidationError("Invalid image data")
		}
		mime := opts.ImageMimeType
		if mime == "" {
			mime = "image/png"
		}
		parts = append(parts, &genai.Part{InlineData: &genai.Blob{MIMEType: mime, Data: data}})
	}
	return []*genai.Content{{Role: "user", Parts: parts}}, nil
}

func geminiConfig(systemPrompt string, maxTokens int) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if systemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: systemPrompt}}}
	}
	if maxTokens > 0 {
		cfg.MaxOutputTokens = int32(maxTokens)
	}
	return cfg
}

func geminiText(resp *genai.GenerateContentResponse) string {
	var b strings.Builder
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part != nil {
				b.WriteString(part.Text)
			}
		}
	}
	return b.String()
}

func geminiFinished(resp *genai.GenerateContentResponse) bool {
	for _, cand := range resp.Candidates {
		if cand != nil && cand.FinishReason != "" {
			return true
		}
	}
	return false
}

// Stream implements Generator
func (c *GoogleClient) Stream(ctx context.Context, opts GenerateOptions) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		key := firstNonEmpty(opts.APIKey, c.serverKey)
		if key == "" {
			yield(ErrorEvent(missingKeyMessage(models.ProviderGoogle)))
			return
		}
		model := firstNonEmpty(opts.Model, c.model)

		if !yield(StartEvent(models.ProviderGoogle, model)) {
			return
		}

		api, err := c.sdk(ctx, key)
		if err != nil {
			yield(ErrorEvent(err.Error()))
			return
		}
		contents, err := geminiContents(BuildUserPrompt(opts), opts)
		if err != nil {
			yield(ErrorEvent(err.Error()))
			return
		}

		finished := false
		for resp, err := range api.GenerateContentStream(ctx, model, contents, geminiConfig(BuildSystemPrompt(opts), c.maxTokens)) {
			if err != nil {
				if perr := describeGeminiError(err); perr != nil {
					yield(ErrorEvent(perr.Error()))
				} else {
					yield(ErrorEvent(fmt.Sprintf("Gemini stream interrupted: %v", err)))
				}
				return
			}
			if text := geminiText(resp); text != "" {
				if !yield(ChunkEvent(text)) {
					return
				}
			}
			if geminiFinished(resp) {
				finished = true
			}
		}

		if finished {
			yield(CompleteEvent())
		}
	}
}

// Complete implements Completer
func (c *GoogleClient) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	key := firstNonEmpty(req.APIKey, c.serverKey)
	if key == "" {
		return nil, &ProviderError{Provider: models.ProviderGoogle, Message: missingKeyMessage(models.ProviderGoogle)}
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	api, err := c.sdk(ctx, key)
	if err != nil {
		return nil, err
	}
	contents, err := geminiContents(req.Prompt, GenerateOptions{})
	if err != nil {
		return nil, err
	}

	resp, err := api.GenerateContent(ctx, firstNonEmpty(req.Model, c.model), contents, geminiConfig(req.SystemPrompt, maxTokens))
	if err != nil {
		if perr := describeGeminiError(err); perr != nil {
			return nil, perr
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		observability.Debug("gemini transport error", "error", err)
		return nil, &ProviderError{Provider: models.ProviderGoogle, Message: err.Error()}
	}

	content := geminiText(resp)
	if content == "" {
		return nil, &ProviderError{Provider: models.ProviderGoogle, Message: "empty response from model"}
	}

	completion := &Completion{Content: content}
	if usage := resp.UsageMetadata; usage != nil {
		completion.Usage = Usage{
			PromptTokens:     int(usage.PromptTokenCount),
			CompletionTokens: int(usage.CandidatesTokenCount),
		}
	}
	return completion, nil
}

// describeGeminiError converts an SDK API error into a ProviderError carrying the HTTP status.
// It returns nil for transport and context errors.
func describeGeminiError(err error) *ProviderError {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		var ptr *genai.APIError
		if !errors.As(err, &ptr) || ptr == nil {
			return nil
		}
		apiErr = *ptr
	}
	msg := apiErr.Message
	if apiErr.Status != "" {
		msg = fmt.Sprintf("%s: %s", apiErr.Status, msg)
	}
	return &ProviderError{Provider: models.ProviderGoogle, StatusCode: apiErr.Code, Message: truncateBody([]byte(msg))}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
