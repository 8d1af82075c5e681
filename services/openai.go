package services

import (
	"context"
	"errors"
	"fmt"
	"iter"

	appconfig "siza-core/config"
	"siza-core/models"
	"siza-core/observability"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// chatStream is the subset of the SDK's SSE stream used here
type chatStream interface {
	Next() bool
	Current() openai.ChatCompletionChunk
	Err() error
	Close() error
}

// openaiChatAPI defines the OpenAI calls used by OpenAIClient (for testing)
type openaiChatAPI interface {
	CreateChatCompletion(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
	StreamChatCompletion(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) chatStream
}

// openaiClientWrapper wraps the openai.Client to implement our interface
type openaiClientWrapper struct {
	client openai.Client
}

func (w *openaiClientWrapper) CreateChatCompletion(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error) {
	return w.client.Chat.Completions.New(ctx, params, opts...)
}

func (w *openaiClientWrapper) StreamChatCompletion(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) chatStream {
	return w.client.Chat.Completions.NewStreaming(ctx, params, opts...)
}

// OpenAIClient handles communication with the OpenAI API.
// The key is supplied per call, so one client serves every user.
type OpenAIClient struct {
	api       openaiChatAPI
	serverKey string
	model     string
	maxTokens int
}

// NewOpenAIClient creates a new OpenAIClient; cfg.APIKey is the optional server-side key
func NewOpenAIClient(cfg appconfig.ProviderConfig) *OpenAIClient {
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIClient{
		api:       &openaiClientWrapper{client: openai.NewClient(opts...)},
		serverKey: cfg.APIKey,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
	}
}

// newOpenAIClientWithAPI creates an OpenAIClient with a custom API (for testing)
func newOpenAIClientWithAPI(api openaiChatAPI, serverKey, model string, maxTokens int) *OpenAIClient {
	return &OpenAIClient{
		api:       api,
		serverKey: serverKey,
		model:     model,
		maxTokens: maxTokens,
	}
}

// Provider implements Generator
func (c *OpenAIClient) Provider() models.Provider {
	return models.ProviderOpenAI
}

// HasServerKey reports whether a server-side OpenAI key is configured
func (c *OpenAIClient) HasServerKey() bool {
	return c.serverKey != ""
}

func (c *OpenAIClient) params(model, systemPrompt string, user openai.ChatCompletionMessageParamUnion, maxTokens int) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			user,
		},
	}
	if maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(maxTokens))
	}
	return params
}

func userMessage(opts GenerateOptions) openai.ChatCompletionMessageParamUnion {
	prompt := BuildUserPrompt(opts)
	if !opts.HasImage() {
		return openai.UserMessage(prompt)
	}

	mime := opts.ImageMimeType
	if mime == "" {
		mime = "image/png"
	}
	return openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
		openai.TextContentPart(prompt),
		openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
			URL: fmt.Sprintf("data:%s;base64,%s", mime, opts.ImageBase64),
		}),
	})
}

// Stream implements Generator
func (c *OpenAIClient) Stream(ctx context.Context, opts GenerateOptions) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		key := firstNonEmpty(opts.APIKey, c.serverKey)
		if key == "" {
			yield(ErrorEvent(missingKeyMessage(models.ProviderOpenAI)))
			return
		}
		model := firstNonEmpty(opts.Model, c.model)

		if !yield(StartEvent(models.ProviderOpenAI, model)) {
			return
		}

		params := c.params(model, BuildSystemPrompt(opts), userMessage(opts), c.maxTokens)
		stream := c.api.StreamChatCompletion(ctx, params, option.WithAPIKey(key))
		defer stream.Close()

		finished := false
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.Delta.Content != "" {
				if !yield(ChunkEvent(choice.Delta.Content)) {
					return
				}
			}
			if choice.FinishReason != "" {
				finished = true
			}
		}

		if err := stream.Err(); err != nil {
			yield(ErrorEvent(describeOpenAIError(err).Error()))
			return
		}
		if finished {
			yield(CompleteEvent())
		}
	}
}

// Complete implements Completer
func (c *OpenAIClient) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	key := firstNonEmpty(req.APIKey, c.serverKey)
	if key == "" {
		return nil, &ProviderError{Provider: models.ProviderOpenAI, Message: missingKeyMessage(models.ProviderOpenAI)}
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	params := c.params(firstNonEmpty(req.Model, c.model), req.SystemPrompt, openai.UserMessage(req.Prompt), maxTokens)
	completion, err := c.api.CreateChatCompletion(ctx, params, option.WithAPIKey(key))
	if err != nil {
		return nil, describeOpenAIError(err)
	}

	if len(completion.Choices) == 0 {
		return nil, &ProviderError{Provider: models.ProviderOpenAI, Message: "empty response from model"}
	}

	return &Completion{
		Content: completion.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
		},
	}, nil
}

// describeOpenAIError converts SDK errors into ProviderErrors carrying the HTTP status
func describeOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = apiErr.Error()
		}
		return &ProviderError{Provider: models.ProviderOpenAI, StatusCode: apiErr.StatusCode, Message: msg}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	observability.Debug("openai transport error", "error", err)
	return &ProviderError{Provider: models.ProviderOpenAI, Message: err.Error()}
}
