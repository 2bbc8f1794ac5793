// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianJournal/services/journal/contentstore"
	"github.com/AleutianAI/AleutianJournal/services/journal/datatypes"
	"github.com/AleutianAI/AleutianJournal/services/journal/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapStore is an in-memory Store. Addresses listed in hang block until the
// context ends; addresses in broken fail immediately.
type mapStore struct {
	addresses []string
	payloads  map[string][]byte
	hang      map[string]bool
	broken    map[string]bool
	listErr   error
}

func (m *mapStore) Put(ctx context.Context, payload []byte, ownerTag string) (string, error) {
	return "", errors.New("read only")
}

func (m *mapStore) List(ctx context.Context, ownerTag string) ([]string, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.addresses, nil
}

func (m *mapStore) Get(ctx context.Context, address string) ([]byte, error) {
	if m.hang[address] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if m.broken[address] {
		return nil, errors.New("connection refused")
	}
	p, ok := m.payloads[address]
	if !ok {
		return nil, contentstore.ErrNotFound
	}
	return p, nil
}

func payload(t *testing.T, sessionID string, created time.Time) []byte {
	t.Helper()
	b, err := json.Marshal(datatypes.JournalPayload{
		SessionID:    sessionID,
		Summary:      "You reflected: " + sessionID,
		MentalHealth: datatypes.CategoryGood,
		Keywords:     []string{},
		OwnerTag:     "id-1",
		CreatedAt:    created,
	})
	require.NoError(t, err)
	return b
}

func TestList_SkipsUnreachableItem(t *testing.T) {
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	store := &mapStore{
		addresses: []string{"a1", "a2", "a3"},
		payloads: map[string][]byte{
			"a1": payload(t, "s1", base),
			"a3": payload(t, "s3", base.Add(time.Hour)),
		},
		hang: map[string]bool{"a2": true},
	}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	l := NewLister(store, Config{ItemTimeout: 50 * time.Millisecond, Metrics: metrics})

	entries, err := l.List(context.Background(), "id-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a3", entries[0].Address)
	assert.Equal(t, "s3", entries[0].Payload.SessionID)
	assert.Equal(t, "a1", entries[1].Address)

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.HistoryItemsTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.HistoryItemsTotal.WithLabelValues("failed")))
}

func TestList_SkipsBrokenAndUndecodable(t *testing.T) {
	store := &mapStore{
		addresses: []string{"ok", "err", "junk", "gone"},
		payloads: map[string][]byte{
			"ok":   payload(t, "s1", time.Now()),
			"junk": []byte("not json"),
		},
		broken: map[string]bool{"err": true},
	}
	entries, err := NewLister(store, Config{}).List(context.Background(), "id-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ok", entries[0].Address)
}

func TestList_Empty(t *testing.T) {
	entries, err := NewLister(&mapStore{}, Config{}).List(context.Background(), "id-1")
	require.NoError(t, err)
	assert.NotNil(t, entries)
	assert.Empty(t, entries)
}

func TestList_ListFailure(t *testing.T) {
	store := &mapStore{listErr: errors.New("gateway down")}
	_, err := NewLister(store, Config{}).List(context.Background(), "id-1")
	assert.Error(t, err)
}

func TestList_TimeoutIsPerItem(t *testing.T) {
	store := &mapStore{
		addresses: []string{"h1", "h2", "h3", "ok"},
		payloads:  map[string][]byte{"ok": payload(t, "s1", time.Now())},
		hang:      map[string]bool{"h1": true, "h2": true, "h3": true},
	}
	l := NewLister(store, Config{ItemTimeout: 40 * time.Millisecond, Concurrency: 4})

	start := time.Now()
	entries, err := l.List(context.Background(), "id-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Less(t, time.Since(start), time.Second)
}
