// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package contentstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianJournal/services/journal/store"
	"github.com/dgraph-io/badger/v4"
)

// LocalStore keeps content in the service's own BadgerDB.
//
// Objects live under cas/obj/<address>; the owner index under
// cas/owner/<ownerTag>/<address> holds no value.
type LocalStore struct {
	db *store.DB
}

var _ Store = (*LocalStore)(nil)

// NewLocalStore returns a Store backed by db.
func NewLocalStore(db *store.DB) *LocalStore {
	return &LocalStore{db: db}
}

func objectKey(address string) []byte {
	return store.Key("cas", "obj", address)
}

func ownerPrefix(ownerTag string) string {
	return "cas/owner/" + ownerTag + "/"
}

// Put writes payload and its owner index entry. Writing the same payload
// twice is a no-op that returns the same address.
func (l *LocalStore) Put(ctx context.Context, payload []byte, ownerTag string) (string, error) {
	if ownerTag == "" {
		return "", errors.New("owner tag is required")
	}
	address := Address(payload)
	err := l.db.Update(ctx, func(txn *badger.Txn) error {
		if err := txn.Set(objectKey(address), payload); err != nil {
			return err
		}
		return txn.Set([]byte(ownerPrefix(ownerTag)+address), nil)
	})
	if err != nil {
		return "", fmt.Errorf("local content put: %w", err)
	}
	return address, nil
}

// List returns the owner's addresses in key order.
func (l *LocalStore) List(ctx context.Context, ownerTag string) ([]string, error) {
	prefix := ownerPrefix(ownerTag)
	var out []string
	err := l.db.View(ctx, func(txn *badger.Txn) error {
		return store.ScanPrefix(txn, []byte(prefix), func(key, _ []byte) error {
			out = append(out, strings.TrimPrefix(string(key), prefix))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("local content list: %w", err)
	}
	return out, nil
}

// Get returns the payload or ErrNotFound.
func (l *LocalStore) Get(ctx context.Context, address string) ([]byte, error) {
	var payload []byte
	err := l.db.View(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(objectKey(address))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		payload, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("local content get %s: %w", address, err)
	}
	return payload, nil
}
