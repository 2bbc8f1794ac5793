// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianJournal/services/journal/store"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// DefaultTokenTTL is the lifetime of a bearer token.
const DefaultTokenTTL = 24 * time.Hour

// ErrInvalidToken is returned for unknown, revoked and expired tokens.
var ErrInvalidToken = errors.New("invalid or expired token")

// TokenStore issues and validates opaque bearer tokens.
//
// Keys:
//
//	tok/t/<token>              tokenRecord
//	tok/i/<identityID>/<token> empty, used by RevokeAll
type TokenStore struct {
	db    *store.DB
	ttl   time.Duration
	clock func() time.Time
}

type tokenRecord struct {
	IdentityID string    `json:"identityId"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// NewTokenStore returns a TokenStore. Zero ttl uses DefaultTokenTTL and a
// nil clock uses time.Now.
func NewTokenStore(db *store.DB, ttl time.Duration, clock func() time.Time) *TokenStore {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &TokenStore{db: db, ttl: ttl, clock: clock}
}

func tokenKey(token string) []byte {
	return store.Key("tok", "t", token)
}

func tokenIndexPrefix(identityID string) string {
	return "tok/i/" + identityID + "/"
}

// Issue creates a token for identityID.
func (t *TokenStore) Issue(ctx context.Context, identityID string) (string, time.Time, error) {
	token := uuid.NewString()
	now := t.clock().UTC()
	rec := tokenRecord{IdentityID: identityID, CreatedAt: now, ExpiresAt: now.Add(t.ttl)}

	err := t.db.Update(ctx, func(txn *badger.Txn) error {
		if err := store.SetJSON(txn, tokenKey(token), rec); err != nil {
			return err
		}
		return txn.Set([]byte(tokenIndexPrefix(identityID)+token), nil)
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("issue token: %w", err)
	}
	return token, rec.ExpiresAt, nil
}

// Validate returns the identity id that owns token.
func (t *TokenStore) Validate(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	var rec tokenRecord
	var found bool
	err := t.db.View(ctx, func(txn *badger.Txn) error {
		var err error
		found, err = store.GetJSON(txn, tokenKey(token), &rec)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("validate token: %w", err)
	}
	if !found || !t.clock().Before(rec.ExpiresAt) {
		return "", ErrInvalidToken
	}
	return rec.IdentityID, nil
}

// Revoke deletes token. Unknown tokens are not an error.
func (t *TokenStore) Revoke(ctx context.Context, token string) error {
	return t.db.Update(ctx, func(txn *badger.Txn) error {
		var rec tokenRecord
		found, err := store.GetJSON(txn, tokenKey(token), &rec)
		if err != nil || !found {
			return err
		}
		if err := store.Delete(txn, tokenKey(token)); err != nil {
			return err
		}
		return store.Delete(txn, []byte(tokenIndexPrefix(rec.IdentityID)+token))
	})
}

// RevokeAll deletes every token of identityID and returns how many existed.
func (t *TokenStore) RevokeAll(ctx context.Context, identityID string) (int, error) {
	prefix := tokenIndexPrefix(identityID)
	var n int
	err := t.db.Update(ctx, func(txn *badger.Txn) error {
		var keys [][]byte
		if err := store.ScanPrefix(txn, []byte(prefix), func(key, _ []byte) error {
			keys = append(keys, key)
			return nil
		}); err != nil {
			return err
		}
		n = len(keys)
		for _, key := range keys {
			token := strings.TrimPrefix(string(key), prefix)
			if err := store.Delete(txn, tokenKey(token)); err != nil {
				return err
			}
			if err := store.Delete(txn, key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("revoke tokens: %w", err)
	}
	return n, nil
}

// Name identifies the sweeper in logs.
func (t *TokenStore) Name() string { return "tokens" }

// Sweep deletes tokens that expired at or before now.
func (t *TokenStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	prefix := []byte("tok/t/")
	var n int
	err := t.db.Update(ctx, func(txn *badger.Txn) error {
		type expired struct{ token, identityID string }
		var victims []expired
		if err := store.ScanPrefix(txn, prefix, func(key, val []byte) error {
			var rec tokenRecord
			if err := json.Unmarshal(val, &rec); err != nil {
				return err
			}
			if !now.Before(rec.ExpiresAt) {
				victims = append(victims, expired{strings.TrimPrefix(string(key), string(prefix)), rec.IdentityID})
			}
			return nil
		}); err != nil {
			return err
		}
		n = len(victims)
		for _, v := range victims {
			if err := store.Delete(txn, tokenKey(v.token)); err != nil {
				return err
			}
			if err := store.Delete(txn, []byte(tokenIndexPrefix(v.identityID)+v.token)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("sweep tokens: %w", err)
	}
	return n, nil
}
