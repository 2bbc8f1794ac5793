// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strings"

	"github.com/AleutianAI/AleutianJournal/services/journal/datatypes"
	"github.com/sashabaranov/go-openai"
)

// DefaultOpenAIModel is used when neither OpenAIConfig.Model nor
// OPENAI_MODEL is set.
const DefaultOpenAIModel = "gpt-4o-mini"

// OpenAIConfig configures OpenAIClient.
type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// OpenAIClient implements Client with the OpenAI chat completions API.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

var _ Client = (*OpenAIClient)(nil)

// NewOpenAIClient creates an OpenAI-backed client. The key falls back to
// OPENAI_API_KEY, then /run/secrets/openai_api_key.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		cfg.APIKey = readAPIKey("OPENAI_API_KEY", "openai_api_key")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: %w", ErrMissingAPIKey)
	}
	if cfg.Model == "" {
		cfg.Model = os.Getenv("OPENAI_MODEL")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
		slog.Warn("OPENAI_MODEL not set, using default", "model", cfg.Model)
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	slog.Info("OpenAI client initialized", "model", cfg.Model)
	return &OpenAIClient{client: openai.NewClientWithConfig(clientCfg), model: cfg.Model}, nil
}

// Name identifies the backend.
func (o *OpenAIClient) Name() string { return "openai" }

// Summarize asks the model for a 2-4 sentence summary.
func (o *OpenAIClient) Summarize(ctx context.Context, messages []datatypes.Message) (string, error) {
	temp := float32(0.3)
	text, err := o.complete(ctx, summaryPrompt(messages), GenerationParams{Temperature: &temp}, false)
	if err != nil {
		return "", fmt.Errorf("openai summarize: %w", err)
	}
	return text, nil
}

// Classify asks for a JSON object and parses it.
func (o *OpenAIClient) Classify(ctx context.Context, text string) (datatypes.Classification, error) {
	// A zero temperature is dropped by omitempty; this is the smallest one sent.
	temp := float32(math.SmallestNonzeroFloat32)
	raw, err := o.complete(ctx, classifyPrompt(text), GenerationParams{Temperature: &temp}, true)
	if err != nil {
		return datatypes.Classification{}, fmt.Errorf("openai classify: %w", err)
	}
	return ParseClassification(raw)
}

// StreamChat streams a reply with the companion persona.
func (o *OpenAIClient) StreamChat(ctx context.Context, message string, history []datatypes.Message) (*ChunkStream, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: ChatPersona})
	for _, m := range history {
		role := openai.ChatMessageRoleUser
		if m.Role == datatypes.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: message})

	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := o.client.CreateChatCompletionStream(streamCtx, openai.ChatCompletionRequest{
		Model:       o.model,
		Messages:    msgs,
		Temperature: DefaultChatTemperature,
		Stream:      true,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("openai stream: %w", err)
	}

	next := func() (string, error) {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", fmt.Errorf("openai stream: %w", err)
		}
		if len(resp.Choices) == 0 {
			return "", nil
		}
		return resp.Choices[0].Delta.Content, nil
	}
	closeFn := func() error {
		cancel()
		return stream.Close()
	}
	return NewChunkStream(next, closeFn), nil
}

func (o *OpenAIClient) complete(ctx context.Context, prompt string, params GenerationParams, jsonMode bool) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if jsonMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
