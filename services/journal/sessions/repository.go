// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sessions

import (
	"context"
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianJournal/services/journal/datatypes"
	"github.com/AleutianAI/AleutianJournal/services/journal/store"
	"github.com/dgraph-io/badger/v4"
)

// Repository persists the per-identity session collection as one snapshot.
//
// # Description
//
// Update loads the current snapshot, lets fn produce the next one and
// writes it back in a single transaction. If fn returns an error nothing is
// written. Concurrent updates for the same identity are serialized by the
// underlying store; fn may be re-run after a conflict and must therefore be
// free of side effects.
type Repository interface {
	Load(ctx context.Context, identityID string) (datatypes.SessionCollection, error)
	Update(ctx context.Context, identityID string, fn func(*datatypes.SessionCollection) error) error

	// Identities lists every identity that has a session collection.
	Identities(ctx context.Context) ([]string, error)
}

type badgerRepository struct {
	db *store.DB
}

var _ Repository = (*badgerRepository)(nil)

// NewRepository returns a Repository backed by db.
func NewRepository(db *store.DB) Repository {
	return &badgerRepository{db: db}
}

func sessionsKey(identityID string) []byte {
	return store.Key("sessions", identityID)
}

func (r *badgerRepository) Load(ctx context.Context, identityID string) (datatypes.SessionCollection, error) {
	var coll datatypes.SessionCollection
	err := r.db.View(ctx, func(txn *badger.Txn) error {
		_, err := store.GetJSON(txn, sessionsKey(identityID), &coll)
		return err
	})
	if err != nil {
		return datatypes.SessionCollection{}, fmt.Errorf("load sessions: %w", err)
	}
	return coll, nil
}

func (r *badgerRepository) Update(ctx context.Context, identityID string, fn func(*datatypes.SessionCollection) error) error {
	return r.db.Update(ctx, func(txn *badger.Txn) error {
		var coll datatypes.SessionCollection
		if _, err := store.GetJSON(txn, sessionsKey(identityID), &coll); err != nil {
			return err
		}
		if err := fn(&coll); err != nil {
			return err
		}
		return store.SetJSON(txn, sessionsKey(identityID), coll)
	})
}

func (r *badgerRepository) Identities(ctx context.Context) ([]string, error) {
	const prefix = "sessions/"
	var ids []string
	err := r.db.View(ctx, func(txn *badger.Txn) error {
		return store.ScanPrefix(txn, []byte(prefix), func(key, _ []byte) error {
			ids = append(ids, strings.TrimPrefix(string(key), prefix))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list session owners: %w", err)
	}
	return ids, nil
}
