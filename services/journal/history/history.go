// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history recovers journal payloads from the content-address store.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/AleutianAI/AleutianJournal/services/journal/contentstore"
	"github.com/AleutianAI/AleutianJournal/services/journal/datatypes"
	"github.com/AleutianAI/AleutianJournal/services/journal/observability"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultItemTimeout bounds each content fetch.
	DefaultItemTimeout = 5 * time.Second

	// DefaultConcurrency bounds parallel fetches.
	DefaultConcurrency = 8
)

// Config configures a Lister.
type Config struct {
	ItemTimeout time.Duration
	Concurrency int
	Metrics     *observability.Metrics
}

// Lister lists journal history for an owner tag.
//
// # Description
//
// List asks the store for every address under the owner tag, then fetches
// each payload in parallel with its own timeout. Items that time out, fail
// or do not decode are skipped without retry. Only the initial list call can
// fail the listing.
//
// # Thread Safety
//
// Safe for concurrent use.
type Lister struct {
	store contentstore.Store
	cfg   Config
}

// NewLister returns a Lister over store.
func NewLister(store contentstore.Store, cfg Config) *Lister {
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = DefaultItemTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	return &Lister{store: store, cfg: cfg}
}

// List returns the recoverable entries for ownerTag, newest first. The
// result is never nil.
func (l *Lister) List(ctx context.Context, ownerTag string) ([]datatypes.HistoryEntry, error) {
	addresses, err := l.store.List(ctx, ownerTag)
	if err != nil {
		return nil, fmt.Errorf("list content: %w", err)
	}

	results := make([]*datatypes.HistoryEntry, len(addresses))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.Concurrency)

	for i, address := range addresses {
		g.Go(func() error {
			entry, err := l.fetch(gctx, address)
			if err != nil {
				slog.Warn("Skipping history item", "address", address, "error", err)
				l.cfg.Metrics.RecordHistoryItem(false)
				return nil
			}
			l.cfg.Metrics.RecordHistoryItem(true)
			results[i] = &entry
			return nil
		})
	}
	_ = g.Wait()

	out := make([]datatypes.HistoryEntry, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Payload.CreatedAt.After(out[j].Payload.CreatedAt)
	})
	slog.Debug("History listed", "addresses", len(addresses), "recovered", len(out))
	return out, nil
}

func (l *Lister) fetch(ctx context.Context, address string) (datatypes.HistoryEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.ItemTimeout)
	defer cancel()

	raw, err := l.store.Get(ctx, address)
	if err != nil {
		return datatypes.HistoryEntry{}, err
	}
	var payload datatypes.JournalPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return datatypes.HistoryEntry{}, fmt.Errorf("decode payload: %w", err)
	}
	return datatypes.HistoryEntry{Address: address, Payload: payload}, nil
}
