// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"strings"
	"time"
)

// =============================================================================
// Sentiment Categories
// =============================================================================

// Category is the sentiment classification of an archived session.
//
// The five values form a fixed total order of ascending positivity:
// CRITICAL < BAD < NEUTRAL < GOOD < HAPPY.
type Category string

const (
	CategoryCritical Category = "CRITICAL"
	CategoryBad      Category = "BAD"
	CategoryNeutral  Category = "NEUTRAL"
	CategoryGood     Category = "GOOD"
	CategoryHappy    Category = "HAPPY"
)

// Categories lists every category in ascending order.
var Categories = []Category{
	CategoryCritical,
	CategoryBad,
	CategoryNeutral,
	CategoryGood,
	CategoryHappy,
}

// Rank returns the position of c in the order, or -1 for unknown values.
func (c Category) Rank() int {
	for i, known := range Categories {
		if c == known {
			return i
		}
	}
	return -1
}

// Valid reports whether c is one of the five categories.
func (c Category) Valid() bool {
	return c.Rank() >= 0
}

// ParseCategory normalizes free-form model output to a Category.
// Case and surrounding whitespace are ignored.
func ParseCategory(s string) (Category, bool) {
	c := Category(strings.ToUpper(strings.TrimSpace(s)))
	if c.Valid() {
		return c, true
	}
	return CategoryNeutral, false
}

// MaxKeywords bounds JournalFile.Keywords.
const MaxKeywords = 4

// Classification is the output of the classify stage.
type Classification struct {
	Category Category `json:"mentalHealth"`
	Keywords []string `json:"keywords"`
}

// Normalize forces the classification into its invariants: a known
// category (NEUTRAL otherwise) and at most MaxKeywords trimmed,
// case-insensitively unique, non-empty keywords.
func (c Classification) Normalize() Classification {
	if !c.Category.Valid() {
		c.Category, _ = ParseCategory(string(c.Category))
	}
	c.Keywords = NormalizeKeywords(c.Keywords)
	return c
}

// NormalizeKeywords trims, deduplicates and caps keywords. Never returns nil.
func NormalizeKeywords(in []string) []string {
	out := make([]string, 0, MaxKeywords)
	seen := make(map[string]struct{}, len(in))
	for _, k := range in {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		lk := strings.ToLower(k)
		if _, dup := seen[lk]; dup {
			continue
		}
		seen[lk] = struct{}{}
		out = append(out, k)
		if len(out) == MaxKeywords {
			break
		}
	}
	return out
}

// =============================================================================
// Journal Files
// =============================================================================

const (
	// AddressUploadFailed is recorded when the store stage could not obtain
	// a content address.
	AddressUploadFailed = "UPLOAD_FAILED"

	// NotarizationFailed is recorded when notarization was attempted or
	// skipped because of an upstream failure.
	NotarizationFailed = "N/A"

	// NotarizationSkipped is recorded when no signing identity was attached.
	NotarizationSkipped = "N/A (connect a signing identity to notarize)"
)

// JournalFile is the immutable archival record of one locked session.
type JournalFile struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"sessionId"`
	IdentityID      string    `json:"identityId"`
	StartTime       time.Time `json:"startTime"`
	EndTime         time.Time `json:"endTime"`
	Title           string    `json:"title"`
	Summary         string    `json:"summary"`
	MentalHealth    Category  `json:"mentalHealth"`
	Keywords        []string  `json:"keywords"`
	ContentAddress  string    `json:"contentAddress"`
	NotarizationRef string    `json:"notarizationRef"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Degraded reports whether any stage after summarization fell back to a
// sentinel value.
func (j *JournalFile) Degraded() bool {
	return j.ContentAddress == AddressUploadFailed || j.NotarizationRef == NotarizationFailed
}

// JournalPayload is the document written to the content-address store.
type JournalPayload struct {
	SessionID    string    `json:"sessionId"`
	Title        string    `json:"title"`
	StartTime    time.Time `json:"startTime"`
	EndTime      time.Time `json:"endTime"`
	Summary      string    `json:"summary"`
	MentalHealth Category  `json:"mentalHealth"`
	Keywords     []string  `json:"keywords"`
	OwnerTag     string    `json:"ownerTag"`
	CreatedAt    time.Time `json:"createdAt"`
}

// HistoryEntry is one journal recovered from the content-address store.
type HistoryEntry struct {
	Address string         `json:"address"`
	Payload JournalPayload `json:"payload"`
}
