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
	"regexp"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianJournal/services/journal/ai/rules"
	"github.com/AleutianAI/AleutianJournal/services/journal/datatypes"
	"gopkg.in/yaml.v3"
)

// MaxSummarySentences bounds the extractive summary of RulesClient.
const MaxSummarySentences = 4

// ruleFile mirrors mood_rules.yaml.
type ruleFile struct {
	Classifications []ruleClass `yaml:"classifications"`
	NeutralReplies  []string    `yaml:"neutral_replies"`
}

type ruleClass struct {
	Name        string        `yaml:"name"`
	Description string        `yaml:"description"`
	Priority    int           `yaml:"priority"`
	Patterns    []rulePattern `yaml:"patterns"`
	Replies     []string      `yaml:"replies"`

	category datatypes.Category
}

type rulePattern struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description"`
	Regex       string `yaml:"regex"`

	compiled *regexp.Regexp
}

// RulesClient is an offline Client driven by embedded keyword rules.
//
// # Description
//
// Summaries are extractive (the first sentences the user wrote), the
// category is the highest-priority rule class with any match, keywords are
// the matched words, and chat replies come from per-category templates.
// It needs no network access, which makes it the default for local runs
// and the deterministic backend for tests.
//
// # Thread Safety
//
// Immutable after construction; safe for concurrent use.
type RulesClient struct {
	classes []ruleClass
	neutral []string
}

var _ Client = (*RulesClient)(nil)

// NewRulesClient loads the embedded rule set.
func NewRulesClient() (*RulesClient, error) {
	return newRulesClientFrom(rules.MoodRules)
}

func newRulesClientFrom(data []byte) (*RulesClient, error) {
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal mood rules: %w", err)
	}

	for i := range file.Classifications {
		class := &file.Classifications[i]
		category, ok := datatypes.ParseCategory(class.Name)
		if !ok {
			return nil, fmt.Errorf("mood rule %q is not a known category", class.Name)
		}
		class.category = category
		for j := range class.Patterns {
			p := &class.Patterns[j]
			re, err := regexp.Compile("(?i)" + p.Regex)
			if err != nil {
				return nil, fmt.Errorf("failed to compile mood rule %s: %w", p.ID, err)
			}
			p.compiled = re
		}
	}

	sort.SliceStable(file.Classifications, func(i, j int) bool {
		return file.Classifications[i].Priority > file.Classifications[j].Priority
	})
	if len(file.NeutralReplies) == 0 {
		file.NeutralReplies = []string{"Thank you for sharing that. How are you feeling about it?"}
	}
	return &RulesClient{classes: file.Classifications, neutral: file.NeutralReplies}, nil
}

// Name identifies the backend.
func (r *RulesClient) Name() string { return "rules" }

// Summarize returns up to MaxSummarySentences sentences the user wrote.
func (r *RulesClient) Summarize(ctx context.Context, messages []datatypes.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var sentences []string
	for _, m := range messages {
		for _, s := range splitSentences(m.Content) {
			sentences = append(sentences, s)
			if len(sentences) == MaxSummarySentences {
				break
			}
		}
		if len(sentences) == MaxSummarySentences {
			break
		}
	}
	if len(sentences) == 0 {
		return "", ErrEmptyResponse
	}
	return "You reflected: " + strings.Join(sentences, " "), nil
}

// Classify scans text against the rule set.
func (r *RulesClient) Classify(ctx context.Context, text string) (datatypes.Classification, error) {
	if err := ctx.Err(); err != nil {
		return datatypes.Classification{}, err
	}
	result := datatypes.Classification{Category: datatypes.CategoryNeutral}
	var keywords []string
	matched := false
	for _, class := range r.classes {
		for _, p := range class.Patterns {
			for _, m := range p.compiled.FindAllString(text, -1) {
				if !matched {
					result.Category = class.category
					matched = true
				}
				keywords = append(keywords, strings.ToLower(m))
			}
		}
	}
	result.Keywords = keywords
	return result.Normalize(), nil
}

// StreamChat replies with a template picked from the message's category,
// emitted word by word.
func (r *RulesClient) StreamChat(ctx context.Context, message string, history []datatypes.Message) (*ChunkStream, error) {
	class, err := r.Classify(ctx, message)
	if err != nil {
		return nil, err
	}
	replies := r.neutral
	for _, c := range r.classes {
		if c.category == class.Category && len(c.Replies) > 0 {
			replies = c.Replies
			break
		}
	}
	reply := replies[len(history)%len(replies)]

	words := strings.Fields(reply)
	chunks := make([]string, len(words))
	for i, w := range words {
		if i < len(words)-1 {
			w += " "
		}
		chunks[i] = w
	}
	return SliceStream(chunks), nil
}

// splitSentences breaks text on ., ! and ? and trims each piece. A final
// fragment without terminator is kept.
func splitSentences(text string) []string {
	var out []string
	var b strings.Builder
	for _, r := range text {
		b.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			if s := strings.TrimSpace(b.String()); s != "" && s != "." && s != "!" && s != "?" {
				out = append(out, s)
			}
			b.Reset()
		}
	}
	if s := strings.TrimSpace(b.String()); s != "" {
		out = append(out, s)
	}
	return out
}
