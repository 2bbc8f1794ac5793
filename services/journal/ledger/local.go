// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianJournal/services/journal/store"
	"github.com/dgraph-io/badger/v4"
)

// ErrUnknownTx is returned by Lookup for references the ledger never issued.
var ErrUnknownTx = errors.New("unknown transaction")

// Entry is one notarization record.
type Entry struct {
	TxRef     string    `json:"txRef"`
	Address   string    `json:"address"`
	Signer    string    `json:"signer"`
	Height    uint64    `json:"height"`
	Timestamp time.Time `json:"timestamp"`
}

// LocalLedger is an append-only ledger stored in BadgerDB.
//
// Entries are chained: each TxRef hashes the previous reference together
// with the address, signer and height, so rewriting an old entry breaks
// every reference after it. Notarizing the same address with the same
// signer twice returns the original reference.
//
// Keys:
//
//	ledger/head                  last Entry
//	ledger/tx/<txRef>            Entry
//	ledger/addr/<signer>/<addr>  txRef
type LocalLedger struct {
	db    *store.DB
	clock func() time.Time
}

var _ Notarizer = (*LocalLedger)(nil)

// NewLocalLedger returns a ledger on db. A nil clock uses time.Now.
func NewLocalLedger(db *store.DB, clock func() time.Time) *LocalLedger {
	if clock == nil {
		clock = time.Now
	}
	return &LocalLedger{db: db, clock: clock}
}

var headKey = store.Key("ledger", "head")

func txKey(ref string) []byte {
	return store.Key("ledger", "tx", ref)
}

func addrKey(signer, address string) []byte {
	return store.Key("ledger", "addr", strings.ToLower(signer), address)
}

// Notarize appends an entry for address.
func (l *LocalLedger) Notarize(ctx context.Context, address, signingIdentity string) (string, error) {
	if err := checkSigner(signingIdentity); err != nil {
		return "", err
	}
	if address == "" {
		return "", errors.New("address is required")
	}

	var ref string
	err := l.db.Update(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(addrKey(signingIdentity, address))
		if err == nil {
			existing, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			ref = string(existing)
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		var head Entry
		if _, err := store.GetJSON(txn, headKey, &head); err != nil {
			return err
		}
		entry := Entry{
			Address:   address,
			Signer:    strings.ToLower(signingIdentity),
			Height:    head.Height + 1,
			Timestamp: l.clock().UTC(),
		}
		entry.TxRef = chainRef(head.TxRef, entry)
		ref = entry.TxRef

		if err := store.SetJSON(txn, txKey(entry.TxRef), entry); err != nil {
			return err
		}
		if err := store.SetJSON(txn, headKey, entry); err != nil {
			return err
		}
		return txn.Set(addrKey(signingIdentity, address), []byte(entry.TxRef))
	})
	if err != nil {
		return "", fmt.Errorf("local ledger notarize: %w", err)
	}
	slog.Debug("Notarized content address", "tx", ref)
	return ref, nil
}

// Lookup returns the entry for ref.
func (l *LocalLedger) Lookup(ctx context.Context, ref string) (Entry, error) {
	var entry Entry
	err := l.db.View(ctx, func(txn *badger.Txn) error {
		found, err := store.GetJSON(txn, txKey(ref), &entry)
		if err != nil {
			return err
		}
		if !found {
			return ErrUnknownTx
		}
		return nil
	})
	return entry, err
}

func chainRef(prev string, e Entry) string {
	h := sha256.New()
	h.Write([]byte(prev))
	h.Write([]byte{0})
	h.Write([]byte(e.Address))
	h.Write([]byte{0})
	h.Write([]byte(e.Signer))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatUint(e.Height, 10)))
	return "0x" + hex.EncodeToString(h.Sum(nil))
}
