// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package contentstore implements the content-address store collaborator.
//
// A content address is derived from the bytes written, so the same payload
// always maps to the same address and a stored payload can never change.
// Payloads are tagged with an owner so they can be listed per identity.
//
// Implementations:
//
//   - LocalStore: BadgerDB, addresses are "sha256-<hex>"
//   - PinataStore: IPFS pinning over the Pinata HTTP API, addresses are CIDs
//   - GCSStore: Google Cloud Storage bucket, addresses are "sha256-<hex>"
//   - CachedStore: LRU read-through cache in front of any Store
package contentstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrNotFound is returned by Get for unknown addresses.
var ErrNotFound = errors.New("content not found")

// Store is the content-address store contract.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Put stores payload tagged with ownerTag and returns its address.
	Put(ctx context.Context, payload []byte, ownerTag string) (string, error)

	// List returns every address tagged with ownerTag.
	List(ctx context.Context, ownerTag string) ([]string, error)

	// Get fetches a payload. Callers bound the call with ctx.
	Get(ctx context.Context, address string) ([]byte, error)
}

// AddressPrefix marks addresses computed by this package.
const AddressPrefix = "sha256-"

// Address returns the content address of payload.
func Address(payload []byte) string {
	sum := sha256.Sum256(payload)
	return AddressPrefix + hex.EncodeToString(sum[:])
}
