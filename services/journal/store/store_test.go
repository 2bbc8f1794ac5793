// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpen_RequiresPathOnDisk(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestOpen_OnDisk(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.SyncWrites = false
	db, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func TestJSONRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	type record struct {
		Name  string
		Count int
	}

	err := db.Update(ctx, func(txn *badger.Txn) error {
		return SetJSON(txn, Key("rec", "a"), record{Name: "a", Count: 2})
	})
	require.NoError(t, err)

	var got record
	err = db.View(ctx, func(txn *badger.Txn) error {
		found, err := GetJSON(txn, Key("rec", "a"), &got)
		assert.True(t, found)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, record{Name: "a", Count: 2}, got)

	err = db.View(ctx, func(txn *badger.Txn) error {
		found, err := GetJSON(txn, Key("rec", "missing"), &got)
		assert.False(t, found)
		return err
	})
	require.NoError(t, err)
}

func TestScanPrefix(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Update(ctx, func(txn *badger.Txn) error {
		for _, k := range []string{"p/1", "p/2", "q/1"} {
			if err := txn.Set([]byte(k), []byte(k)); err != nil {
				return err
			}
		}
		return nil
	}))

	var keys []string
	require.NoError(t, db.View(ctx, func(txn *badger.Txn) error {
		return ScanPrefix(txn, []byte("p/"), func(key, _ []byte) error {
			keys = append(keys, string(key))
			return nil
		})
	}))
	assert.Equal(t, []string{"p/1", "p/2"}, keys)
}

func TestUpdate_PropagatesClosureError(t *testing.T) {
	db := openTestDB(t)
	sentinel := errors.New("boom")
	err := db.Update(context.Background(), func(txn *badger.Txn) error { return sentinel })
	assert.ErrorIs(t, err, sentinel)
}

func TestUpdate_CancelledContext(t *testing.T) {
	db := openTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := db.Update(ctx, func(txn *badger.Txn) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUpdate_ConcurrentIncrementsAreSerialized(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	key := Key("counter")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = db.Update(ctx, func(txn *badger.Txn) error {
				var n int
				if _, err := GetJSON(txn, key, &n); err != nil {
					return err
				}
				return SetJSON(txn, key, n+1)
			})
		}()
	}
	wg.Wait()

	var n int
	require.NoError(t, db.View(ctx, func(txn *badger.Txn) error {
		_, err := GetJSON(txn, key, &n)
		return err
	}))
	assert.Equal(t, 4, n)
}
