package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strings"

	appconfig "siza-core/config"
	"siza-core/models"
	"siza-core/observability"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// claudeEventSource serves Messages API traffic from somewhere other than the public API
type claudeEventSource interface {
	ModelID() string
	Events(ctx context.Context, params anthropic.MessageNewParams) iter.Seq2[anthropic.MessageStreamEventUnion, error]
	Invoke(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error)
}

// AnthropicClient talks to the Anthropic Messages API.
// Without any API key it can serve server-side traffic through Bedrock.
type AnthropicClient struct {
	client    anthropic.Client
	serverKey string
	model     string
	maxTokens int
	bedrock   claudeEventSource
}

// NewAnthropicClient creates an Anthropic client; bedrock may be nil
func NewAnthropicClient(httpClient *http.Client, cfg appconfig.ProviderConfig, bedrock *BedrockStreamer) *AnthropicClient {
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/")+"/"))
	}

	c := &AnthropicClient{
		client:    anthropic.NewClient(opts...),
		serverKey: cfg.APIKey,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
	}
	if bedrock != nil {
		c.bedrock = bedrock
	}
	return c
}

// Provider implements Generator
func (c *AnthropicClient) Provider() models.Provider {
	return models.ProviderAnthropic
}

// HasServerKey reports whether the process can call Claude without a user key
func (c *AnthropicClient) HasServerKey() bool {
	return c.serverKey != "" || c.bedrock != nil
}

func (c *AnthropicClient) maxTokensOr(n int) int {
	if n > 0 {
		return n
	}
	if c.maxTokens > 0 {
		return c.maxTokens
	}
	return 4096
}

func (c *AnthropicClient) params(model, systemPrompt, prompt string, opts GenerateOptions, maxTokens int) anthropic.MessageNewParams {
	var blocks []anthropic.ContentBlockParamUnion
	if opts.HasImage() {
		mime := opts.ImageMimeType
		if mime == "" {
			mime = "image/png"
		}
		blocks = append(blocks, anthropic.NewImageBlockBase64(mime, opts.ImageBase64))
	}
	blocks = append(blocks, anthropic.NewTextBlock(prompt))

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(c.maxTokensOr(maxTokens)),
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(blocks...)},
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	return params
}

// Stream implements Generator
func (c *AnthropicClient) Stream(ctx context.Context, opts GenerateOptions) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		key := firstNonEmpty(opts.APIKey, c.serverKey)
		if key == "" && c.bedrock == nil {
			yield(ErrorEvent(missingKeyMessage(models.ProviderAnthropic)))
			return
		}

		if key == "" {
			c.streamBedrock(ctx, opts, yield)
			return
		}

		model := firstNonEmpty(opts.Model, c.model)
		if !yield(StartEvent(models.ProviderAnthropic, model)) {
			return
		}

		params := c.params(model, BuildSystemPrompt(opts), BuildUserPrompt(opts), opts, 0)
		stream := c.client.Messages.NewStreaming(ctx, params, option.WithAPIKey(key))
		defer stream.Close()

		for stream.Next() {
			if !relayClaudeEvent(stream.Current(), yield) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			yield(ErrorEvent(describeAnthropicError(err).Error()))
		}
	}
}

// streamBedrock serves the request with the process's AWS credentials.
// Bedrock picks the model, so the start event reports its model ID.
func (c *AnthropicClient) streamBedrock(ctx context.Context, opts GenerateOptions, yield func(Event) bool) {
	if !yield(StartEvent(models.ProviderAnthropic, c.bedrock.ModelID())) {
		return
	}

	params := c.params("", BuildSystemPrompt(opts), BuildUserPrompt(opts), opts, 0)
	for ev, err := range c.bedrock.Events(ctx, params) {
		if err != nil {
			yield(ErrorEvent(fmt.Sprintf("Claude (Bedrock) stream failed: %v", err)))
			return
		}
		if !relayClaudeEvent(ev, yield) {
			return
		}
	}
}

// relayClaudeEvent translates one Messages API event and reports whether streaming should continue.
// It returns false after message_stop or when the consumer stops.
func relayClaudeEvent(ev anthropic.MessageStreamEventUnion, yield func(Event) bool) bool {
	switch event := ev.AsAny().(type) {
	case anthropic.ContentBlockDeltaEvent:
		delta, ok := event.Delta.AsAny().(anthropic.TextDelta)
		if !ok || delta.Text == "" {
			return true
		}
		return yield(ChunkEvent(delta.Text))
	case anthropic.MessageStopEvent:
		yield(CompleteEvent())
		return false
	default:
		// message_start, content_block_start/stop, message_delta
		return true
	}
}

// Complete implements Completer
func (c *AnthropicClient) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	key := firstNonEmpty(req.APIKey, c.serverKey)
	if key == "" && c.bedrock == nil {
		return nil, &ProviderError{Provider: models.ProviderAnthropic, Message: missingKeyMessage(models.ProviderAnthropic)}
	}

	var (
		message *anthropic.Message
		err     error
	)
	if key == "" {
		params := c.params("", req.SystemPrompt, req.Prompt, GenerateOptions{}, req.MaxTokens)
		message, err = c.bedrock.Invoke(ctx, params)
		if err != nil {
			return nil, &ProviderError{Provider: models.ProviderAnthropic, Message: err.Error()}
		}
	} else {
		params := c.params(firstNonEmpty(req.Model, c.model), req.SystemPrompt, req.Prompt, GenerateOptions{}, req.MaxTokens)
		message, err = c.client.Messages.New(ctx, params, option.WithAPIKey(key))
		if err != nil {
			return nil, describeAnthropicError(err)
		}
	}

	var b strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return nil, &ProviderError{Provider: models.ProviderAnthropic, Message: "empty response from model"}
	}

	return &Completion{
		Content: b.String(),
		Usage: Usage{
			PromptTokens:     int(message.Usage.InputTokens),
			CompletionTokens: int(message.Usage.OutputTokens),
		},
	}, nil
}

// describeAnthropicError converts SDK errors into ProviderErrors carrying the HTTP status
func describeAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &ProviderError{Provider: models.ProviderAnthropic, StatusCode: apiErr.StatusCode, Message: truncateBody([]byte(apiErr.Error()))}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	observability.Debug("anthropic transport error", "error", err)
	return &ProviderError{Provider: models.ProviderAnthropic, Message: err.Error()}
}
