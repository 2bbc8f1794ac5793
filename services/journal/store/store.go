// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store is the persistence port of the journal service.
//
// Every durable collection (sessions, journals, credentials, OTP challenges,
// bearer tokens, local content objects) lives in a single BadgerDB instance.
// Collections that must be observed as whole snapshots are stored under a
// single key and replaced inside one read-write transaction, so a reader
// never sees a partially applied mutation.
//
// # Key Layout
//
//	sessions/<identityID>          JSON SessionCollection snapshot
//	journals/<identityID>          JSON []JournalFile snapshot
//	cred/id/<identityID>           credential record
//	cred/addr/<address>            address -> identityID index
//	otp/<identityID>               live OTP challenge
//	tok/<token>                    bearer token record
//	cas/obj/<address>              local content-address payloads
//	ledger/tx/<ref>                local notarization records
//
// # Thread Safety
//
// DB is safe for concurrent use. Conflicting read-write transactions are
// retried by Update; callers supply idempotent closures.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// MaxConflictRetries bounds how often Update re-runs a closure after
// badger reports a serialization conflict.
const MaxConflictRetries = 10

// =============================================================================
// Configuration
// =============================================================================

// Config configures the BadgerDB instance.
//
// # Fields
//
//   - Path: Directory for data files. Required unless InMemory is set.
//   - InMemory: Keep everything in RAM. Used by tests.
//   - SyncWrites: fsync on every commit.
//   - Logger: Receives badger's internal logs. Nil disables them.
//   - GCInterval: Value log GC cadence. Zero disables GC.
//   - GCDiscardRatio: Passed to RunValueLogGC.
type Config struct {
	Path           string
	InMemory       bool
	SyncWrites     bool
	Logger         *slog.Logger
	GCInterval     time.Duration
	GCDiscardRatio float64
}

// DefaultConfig returns the production configuration rooted at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     10 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests. GC is disabled.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// slogBadgerLogger adapts slog to badger.Logger.
type slogBadgerLogger struct {
	logger *slog.Logger
}

func (l *slogBadgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *slogBadgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *slogBadgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *slogBadgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// =============================================================================
// DB
// =============================================================================

// DB wraps a badger.DB with snapshot helpers and an optional GC loop.
type DB struct {
	db     *badger.DB
	cfg    Config
	stopGC chan struct{}
	gcDone chan struct{}
}

// Open opens (or creates) the database described by cfg.
//
// # Description
//
// Creates the data directory with 0750 permissions when needed and starts
// the value log GC loop when cfg.GCInterval is positive and the database is
// on disk.
//
// # Outputs
//
//   - *DB: Ready for use. Must be closed with Close.
//   - error: Non-nil if the path is missing or badger fails to open.
//
// # Examples
//
//	db, err := store.Open(store.DefaultConfig("/var/lib/journal"))
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Open(cfg Config) (*DB, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("store path is required for a persistent database")
		}
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&slogBadgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	d := &DB{db: bdb, cfg: cfg}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		d.stopGC = make(chan struct{})
		d.gcDone = make(chan struct{})
		go d.runGC()
	}
	return d, nil
}

// Close stops the GC loop and closes badger.
func (d *DB) Close() error {
	if d.stopGC != nil {
		close(d.stopGC)
		<-d.gcDone
	}
	return d.db.Close()
}

func (d *DB) runGC() {
	defer close(d.gcDone)
	ticker := time.NewTicker(d.cfg.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopGC:
			return
		case <-ticker.C:
			err := d.db.RunValueLogGC(d.cfg.GCDiscardRatio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				slog.Warn("badger value log GC failed", "error", err)
			}
		}
	}
}

// Update runs fn inside a read-write transaction and commits it.
//
// # Description
//
// The closure may run more than once: when the commit fails with
// badger.ErrConflict (another transaction wrote a key this one read), the
// whole closure is re-executed against fresh state, up to
// MaxConflictRetries times. This is what makes check-then-insert sequences
// atomic per key.
//
// # Inputs
//
//   - ctx: Checked before every attempt.
//   - fn: Reads and writes through txn. Must not have side effects outside txn.
//
// # Outputs
//
//   - error: fn's error unwrapped, the commit error, or ctx.Err().
func (d *DB) Update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < MaxConflictRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = d.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		slog.Debug("store transaction conflict, retrying", "attempt", attempt+1)
	}
	return fmt.Errorf("store update gave up after %d conflicts: %w", MaxConflictRetries, err)
}

// View runs fn inside a read-only transaction.
func (d *DB) View(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.View(fn)
}

// =============================================================================
// Helpers
// =============================================================================

// Key joins parts with "/".
func Key(parts ...string) []byte {
	return []byte(strings.Join(parts, "/"))
}

// GetJSON decodes the value at key into v.
//
// # Outputs
//
//   - bool: False when the key does not exist. v is untouched.
//   - error: Non-nil on read or decode failure.
func GetJSON(txn *badger.Txn, key []byte, v any) (bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
	if err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes v and stores it at key, replacing any previous value.
func SetJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := txn.Set(key, data); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Missing keys are not an error.
func Delete(txn *badger.Txn, key []byte) error {
	if err := txn.Delete(key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// ScanPrefix calls fn for every key starting with prefix, in key order.
// Returning an error from fn stops the scan.
func ScanPrefix(txn *badger.Txn, prefix []byte, fn func(key, val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		val, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("read %s: %w", key, err)
		}
		if err := fn(key, val); err != nil {
			return err
		}
	}
	return nil
}
