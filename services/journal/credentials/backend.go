// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package credentials is the identity and credential backend.
//
// Identities have a stable uuid and a mutable address. Secrets are stored
// as bcrypt hashes. Bearer tokens issued after register or login are opaque
// uuids kept in the same store with a fixed lifetime.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianJournal/services/journal/datatypes"
	"github.com/AleutianAI/AleutianJournal/services/journal/store"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrAlreadyExists is returned when an address is taken.
	ErrAlreadyExists = errors.New("address already registered")

	// ErrInvalidCredential is returned for any failed login. It does not
	// distinguish an unknown address from a wrong secret.
	ErrInvalidCredential = errors.New("invalid address or secret")

	// ErrNotFound is returned for unknown identity ids.
	ErrNotFound = errors.New("identity not found")
)

// =============================================================================
// Backend
// =============================================================================

// Backend registers, authenticates and updates identities.
type Backend interface {
	Register(ctx context.Context, address, secret string) (datatypes.Identity, error)
	Login(ctx context.Context, address, secret string) (datatypes.Identity, error)

	// Update changes the address and/or secret in one transaction. Nil
	// arguments are left unchanged. The returned identity is the
	// re-derived record callers must use from then on.
	Update(ctx context.Context, identityID string, newAddress, newSecret *string) (datatypes.Identity, error)

	// AddressAvailable reports whether address is unclaimed or already
	// belongs to identityID. Update repeats the check in its transaction.
	AddressAvailable(ctx context.Context, identityID, address string) (bool, error)

	Get(ctx context.Context, identityID string) (datatypes.Identity, error)
}

// Config configures the badger backend.
//
// # Fields
//
//   - Cost: bcrypt cost. Default bcrypt.DefaultCost.
//   - Clock: Default time.Now.
type Config struct {
	Cost  int
	Clock func() time.Time
}

type credentialRecord struct {
	Identity   datatypes.Identity `json:"identity"`
	SecretHash []byte             `json:"secretHash"`
}

type badgerBackend struct {
	db    *store.DB
	cost  int
	clock func() time.Time

	dummyOnce sync.Once
	dummyHash []byte
}

var _ Backend = (*badgerBackend)(nil)

// NewBackend returns a Backend on db.
func NewBackend(db *store.DB, cfg Config) Backend {
	if cfg.Cost == 0 {
		cfg.Cost = bcrypt.DefaultCost
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &badgerBackend{db: db, cost: cfg.Cost, clock: cfg.Clock}
}

func idKey(identityID string) []byte {
	return store.Key("cred", "id", identityID)
}

func addrKey(address string) []byte {
	return store.Key("cred", "addr", normalizeAddress(address))
}

func normalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// Register creates an identity. The address check and both inserts happen
// in one transaction, so two concurrent registrations of the same address
// cannot both succeed.
func (b *badgerBackend) Register(ctx context.Context, address, secret string) (datatypes.Identity, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), b.cost)
	if err != nil {
		return datatypes.Identity{}, fmt.Errorf("hash secret: %w", err)
	}
	now := b.clock().UTC()
	ident := datatypes.Identity{
		ID:        uuid.NewString(),
		Address:   strings.TrimSpace(address),
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = b.db.Update(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get(addrKey(address))
		if err == nil {
			return ErrAlreadyExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := store.SetJSON(txn, idKey(ident.ID), credentialRecord{Identity: ident, SecretHash: hash}); err != nil {
			return err
		}
		return txn.Set(addrKey(address), []byte(ident.ID))
	})
	if err != nil {
		return datatypes.Identity{}, err
	}
	slog.Info("Registered identity", "identity_id", ident.ID)
	return ident, nil
}

// Login verifies the secret. Unknown addresses still pay for one bcrypt
// comparison so response time does not reveal which addresses exist.
func (b *badgerBackend) Login(ctx context.Context, address, secret string) (datatypes.Identity, error) {
	rec, found, err := b.recordByAddress(ctx, address)
	if err != nil {
		return datatypes.Identity{}, err
	}
	if !found {
		_ = bcrypt.CompareHashAndPassword(b.dummy(), []byte(secret))
		return datatypes.Identity{}, ErrInvalidCredential
	}
	if err := bcrypt.CompareHashAndPassword(rec.SecretHash, []byte(secret)); err != nil {
		return datatypes.Identity{}, ErrInvalidCredential
	}
	return rec.Identity, nil
}

func (b *badgerBackend) Update(ctx context.Context, identityID string, newAddress, newSecret *string) (datatypes.Identity, error) {
	var hash []byte
	if newSecret != nil {
		h, err := bcrypt.GenerateFromPassword([]byte(*newSecret), b.cost)
		if err != nil {
			return datatypes.Identity{}, fmt.Errorf("hash secret: %w", err)
		}
		hash = h
	}
	now := b.clock().UTC()

	var updated datatypes.Identity
	err := b.db.Update(ctx, func(txn *badger.Txn) error {
		var rec credentialRecord
		found, err := store.GetJSON(txn, idKey(identityID), &rec)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}

		if newAddress != nil && normalizeAddress(*newAddress) != normalizeAddress(rec.Identity.Address) {
			item, err := txn.Get(addrKey(*newAddress))
			switch {
			case err == nil:
				owner, verr := item.ValueCopy(nil)
				if verr != nil {
					return verr
				}
				if string(owner) != identityID {
					return ErrAlreadyExists
				}
			case !errors.Is(err, badger.ErrKeyNotFound):
				return err
			}
			if err := store.Delete(txn, addrKey(rec.Identity.Address)); err != nil {
				return err
			}
			if err := txn.Set(addrKey(*newAddress), []byte(identityID)); err != nil {
				return err
			}
		}
		if newAddress != nil {
			rec.Identity.Address = strings.TrimSpace(*newAddress)
		}
		if hash != nil {
			rec.SecretHash = hash
		}
		rec.Identity.UpdatedAt = now
		updated = rec.Identity
		return store.SetJSON(txn, idKey(identityID), rec)
	})
	if err != nil {
		return datatypes.Identity{}, err
	}
	slog.Info("Updated credentials",
		"identity_id", identityID,
		"address_changed", newAddress != nil,
		"secret_changed", newSecret != nil)
	return updated, nil
}

func (b *badgerBackend) AddressAvailable(ctx context.Context, identityID, address string) (bool, error) {
	available := true
	err := b.db.View(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(addrKey(address))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		owner, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		available = string(owner) == identityID
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("check address: %w", err)
	}
	return available, nil
}

func (b *badgerBackend) Get(ctx context.Context, identityID string) (datatypes.Identity, error) {
	var rec credentialRecord
	err := b.db.View(ctx, func(txn *badger.Txn) error {
		found, err := store.GetJSON(txn, idKey(identityID), &rec)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return datatypes.Identity{}, err
	}
	return rec.Identity, nil
}

func (b *badgerBackend) recordByAddress(ctx context.Context, address string) (credentialRecord, bool, error) {
	var rec credentialRecord
	var found bool
	err := b.db.View(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(addrKey(address))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		found, err = store.GetJSON(txn, idKey(string(id)), &rec)
		return err
	})
	if err != nil {
		return credentialRecord{}, false, fmt.Errorf("lookup address: %w", err)
	}
	return rec, found, nil
}

func (b *badgerBackend) dummy() []byte {
	b.dummyOnce.Do(func() {
		b.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("journal-dummy-secret"), b.cost)
	})
	return b.dummyHash
}
