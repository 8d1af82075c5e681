package services

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"

	appconfig "siza-core/config"
	"siza-core/observability"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/tidwall/sjson"
)

// BedrockStreamer serves Claude through AWS Bedrock with the process's AWS credentials
type BedrockStreamer struct {
	client           *bedrockruntime.Client
	model            string
	anthropicVersion string
}

// NewBedrockStreamer creates a new BedrockStreamer instance
func NewBedrockStreamer(ctx context.Context, cfg appconfig.BedrockConfig) (*BedrockStreamer, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS SDK config: %w", err)
	}

	version := cfg.AnthropicVersion
	if version == "" {
		version = "bedrock-2023-05-31"
	}

	return &BedrockStreamer{
		client:           bedrockruntime.NewFromConfig(awsCfg),
		model:            cfg.ModelID,
		anthropicVersion: version,
	}, nil
}

// ModelID is the Bedrock model every request is served by
func (s *BedrockStreamer) ModelID() string {
	return s.model
}

// body encodes params the way Bedrock expects: the model travels in ModelId
// and the API version in the body.
func (s *BedrockStreamer) body(params anthropic.MessageNewParams) ([]byte, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	if body, err = sjson.DeleteBytes(body, "model"); err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	if body, err = sjson.SetBytes(body, "anthropic_version", s.anthropicVersion); err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	return body, nil
}

// Events streams the Messages API events Bedrock relays for params
func (s *BedrockStreamer) Events(ctx context.Context, params anthropic.MessageNewParams) iter.Seq2[anthropic.MessageStreamEventUnion, error] {
	return func(yield func(anthropic.MessageStreamEventUnion, error) bool) {
		var zero anthropic.MessageStreamEventUnion

		body, err := s.body(params)
		if err != nil {
			yield(zero, err)
			return
		}

		output, err := s.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
			ModelId:     aws.String(s.model),
			Body:        body,
			ContentType: aws.String("application/json"),
		})
		if err != nil {
			yield(zero, fmt.Errorf("failed to invoke model: %w", err))
			return
		}

		stream := output.GetStream()
		defer stream.Close()

		for event := range stream.Events() {
			chunk, ok := event.(*types.ResponseStreamMemberChunk)
			if !ok {
				continue
			}
			var ev anthropic.MessageStreamEventUnion
			if err := json.Unmarshal(chunk.Value.Bytes, &ev); err != nil {
				observability.Debug("skipping malformed bedrock chunk", "error", err)
				continue
			}
			if !yield(ev, nil) {
				return
			}
		}

		if err := stream.Err(); err != nil {
			yield(zero, err)
		}
	}
}

// Invoke sends params to Claude and returns the full response
func (s *BedrockStreamer) Invoke(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	body, err := s.body(params)
	if err != nil {
		return nil, err
	}

	output, err := s.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(s.model),
		Body:        body,
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to invoke model: %w", err)
	}

	var message anthropic.Message
	if err := json.Unmarshal(output.Body, &message); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(message.Content) == 0 {
		return nil, fmt.Errorf("empty response from model")
	}
	return &message, nil
}
