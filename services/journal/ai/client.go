// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ai holds the language-model collaborator of the journal service.
//
// Three backends implement Client:
//
//   - GeminiClient: google.golang.org/genai
//   - OpenAIClient: github.com/sashabaranov/go-openai
//   - RulesClient: offline, keyword rules embedded in the binary
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/AleutianAI/AleutianJournal/services/journal/datatypes"
)

// Analyzer summarizes and classifies finished sessions.
type Analyzer interface {
	// Summarize derives a short plain-text summary. Callers pass
	// user-authored messages only.
	Summarize(ctx context.Context, messages []datatypes.Message) (string, error)

	// Classify returns a sentiment category and up to four keywords.
	Classify(ctx context.Context, text string) (datatypes.Classification, error)
}

// Chatter produces streamed assistant replies.
type Chatter interface {
	// StreamChat starts a reply to message given the prior history.
	// The returned stream must be closed by the caller.
	StreamChat(ctx context.Context, message string, history []datatypes.Message) (*ChunkStream, error)
}

// Client is the full AI collaborator.
type Client interface {
	Analyzer
	Chatter
	Name() string
}

// GenerationParams tunes a model call. Nil fields use backend defaults.
type GenerationParams struct {
	Temperature *float32
	MaxTokens   *int
}

// DefaultChatTemperature is used for streamed replies.
const DefaultChatTemperature float32 = 0.7

var (
	// ErrEmptyResponse is returned when a backend answers with no text.
	ErrEmptyResponse = errors.New("model returned an empty response")

	// ErrMissingAPIKey is returned by constructors when no key is found.
	ErrMissingAPIKey = errors.New("api key not configured")
)

// =============================================================================
// Prompts
// =============================================================================

// ChatPersona is the system instruction for streamed replies.
const ChatPersona = `You are a warm, calm reflective companion inside a private journaling app.
Listen closely, reflect back what you hear, and ask at most one gentle, open question.
Reply in one to three short sentences. Never diagnose, never give medical advice,
and if the user mentions being in danger, encourage them to contact local emergency
services or a crisis line.`

// summaryPrompt asks for a supportive summary of the user's reflections.
func summaryPrompt(messages []datatypes.Message) string {
	var b strings.Builder
	b.WriteString("Summarize the following personal reflections into a supportive 2-4 sentence summary. ")
	b.WriteString("Write in the second person, plain text only, no lists or headings.\n\n")
	for _, m := range messages {
		b.WriteString("- ")
		b.WriteString(strings.TrimSpace(m.Content))
		b.WriteString("\n")
	}
	return b.String()
}

// classifyPrompt asks for the JSON classification.
func classifyPrompt(text string) string {
	return fmt.Sprintf(`Analyze the emotional state expressed in this journal summary.
Respond with JSON only: {"mentalHealth": one of CRITICAL, BAD, NEUTRAL, GOOD, HAPPY, "keywords": up to 4 short words that most influenced the rating}.

Summary:
%s`, text)
}

// ParseClassification decodes a model's JSON answer, tolerating markdown
// code fences, and normalizes it.
func ParseClassification(raw string) (datatypes.Classification, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	if start := strings.Index(raw, "{"); start > 0 {
		raw = raw[start:]
	}
	if end := strings.LastIndex(raw, "}"); end >= 0 && end < len(raw)-1 {
		raw = raw[:end+1]
	}

	var out struct {
		MentalHealth string   `json:"mentalHealth"`
		Keywords     []string `json:"keywords"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return datatypes.Classification{}, fmt.Errorf("decode classification: %w", err)
	}
	category, _ := datatypes.ParseCategory(out.MentalHealth)
	return datatypes.Classification{Category: category, Keywords: out.Keywords}.Normalize(), nil
}

// readAPIKey returns the env var value or the content of
// /run/secrets/<secretName>.
func readAPIKey(envVar, secretName string) string {
	if key := strings.TrimSpace(os.Getenv(envVar)); key != "" {
		return key
	}
	if data, err := os.ReadFile("/run/secrets/" + secretName); err == nil {
		return strings.TrimSpace(string(data))
	}
	return ""
}
