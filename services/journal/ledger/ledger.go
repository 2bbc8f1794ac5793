// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ledger records content addresses in an append-only ledger.
//
// Two implementations exist: RPCNotarizer submits a transaction to an
// Ethereum-compatible JSON-RPC node, and LocalLedger keeps an append-only
// record in BadgerDB for single-node deployments and tests.
package ledger

import (
	"context"
	"errors"
	"regexp"
)

// ErrNoSigningIdentity is returned when Notarize is called without a signer.
// The archival pipeline never calls Notarize in that case.
var ErrNoSigningIdentity = errors.New("signing identity is required")

// ErrInvalidSigningIdentity is returned for signers that are not 0x-prefixed
// 20 byte hex addresses.
var ErrInvalidSigningIdentity = errors.New("signing identity is not a valid address")

// Notarizer records an address and returns a transaction reference.
type Notarizer interface {
	Notarize(ctx context.Context, address, signingIdentity string) (string, error)
}

var signerPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ValidSigningIdentity reports whether s looks like a wallet address.
func ValidSigningIdentity(s string) bool {
	return signerPattern.MatchString(s)
}

func checkSigner(signingIdentity string) error {
	if signingIdentity == "" {
		return ErrNoSigningIdentity
	}
	if !ValidSigningIdentity(signingIdentity) {
		return ErrInvalidSigningIdentity
	}
	return nil
}
