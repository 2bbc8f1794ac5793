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
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/AleutianJournal/services/journal/datatypes"
	"google.golang.org/genai"
)

// DefaultGeminiModel is used when GeminiConfig.Model is empty.
const DefaultGeminiModel = "gemini-2.5-flash"

// GeminiConfig configures GeminiClient.
//
// # Fields
//
//   - APIKey: Falls back to GEMINI_API_KEY, then /run/secrets/gemini_api_key.
//   - Model: Default DefaultGeminiModel.
//   - BaseURL: Overrides the API endpoint. Used by tests.
type GeminiConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// GeminiClient implements Client with the Gemini API.
type GeminiClient struct {
	client *genai.Client
	model  string
}

var _ Client = (*GeminiClient)(nil)

// NewGeminiClient creates a Gemini-backed client.
//
// # Outputs
//
//   - *GeminiClient: Ready for use.
//   - error: ErrMissingAPIKey when no key can be found, or a client error.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		cfg.APIKey = readAPIKey("GEMINI_API_KEY", "gemini_api_key")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: %w", ErrMissingAPIKey)
	}
	if cfg.Model == "" {
		cfg.Model = DefaultGeminiModel
	}

	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	slog.Info("Gemini client initialized", "model", cfg.Model)
	return &GeminiClient{client: client, model: cfg.Model}, nil
}

// Name identifies the backend.
func (g *GeminiClient) Name() string { return "gemini" }

// Summarize asks the model for a 2-4 sentence summary.
func (g *GeminiClient) Summarize(ctx context.Context, messages []datatypes.Message) (string, error) {
	contents := []*genai.Content{genai.NewContentFromText(summaryPrompt(messages), genai.RoleUser)}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{
		Temperature: genai.Ptr[float32](0.3),
	})
	if err != nil {
		return "", fmt.Errorf("gemini summarize: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// Classify asks for schema-constrained JSON and parses it.
func (g *GeminiClient) Classify(ctx context.Context, text string) (datatypes.Classification, error) {
	enum := make([]string, 0, len(datatypes.Categories))
	for _, c := range datatypes.Categories {
		enum = append(enum, string(c))
	}

	contents := []*genai.Content{genai.NewContentFromText(classifyPrompt(text), genai.RoleUser)}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{
		Temperature:      genai.Ptr[float32](0),
		ResponseMIMEType: "application/json",
		ResponseSchema: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"mentalHealth": {Type: genai.TypeString, Enum: enum},
				"keywords": {
					Type:     genai.TypeArray,
					Items:    &genai.Schema{Type: genai.TypeString},
					MaxItems: genai.Ptr[int64](datatypes.MaxKeywords),
				},
			},
			Required: []string{"mentalHealth", "keywords"},
		},
	})
	if err != nil {
		return datatypes.Classification{}, fmt.Errorf("gemini classify: %w", err)
	}
	return ParseClassification(resp.Text())
}

// StreamChat streams a reply with the companion persona.
func (g *GeminiClient) StreamChat(ctx context.Context, message string, history []datatypes.Message) (*ChunkStream, error) {
	contents := make([]*genai.Content, 0, len(history)+1)
	for _, m := range history {
		role := genai.Role(genai.RoleUser)
		if m.Role == datatypes.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	contents = append(contents, genai.NewContentFromText(message, genai.RoleUser))

	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(ChatPersona, genai.RoleUser),
		Temperature:       genai.Ptr(DefaultChatTemperature),
	}

	streamCtx, cancel := context.WithCancel(ctx)
	return channelStream(streamCtx, cancel, func(ctx context.Context, emit func(string) bool) error {
		for resp, err := range g.client.Models.GenerateContentStream(ctx, g.model, contents, config) {
			if err != nil {
				return fmt.Errorf("gemini stream: %w", err)
			}
			if !emit(resp.Text()) {
				return nil
			}
		}
		return nil
	}), nil
}
