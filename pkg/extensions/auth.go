// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"errors"
)

// ErrUnauthorized is returned when a bearer token is missing, unknown or
// expired. Implementations wrap it with context.
//
//	if !valid {
//	    return nil, fmt.Errorf("token expired: %w", extensions.ErrUnauthorized)
//	}
var ErrUnauthorized = errors.New("unauthorized")

// AuthInfo identifies the caller of a request.
//
// UserID is the stable identity id and is always populated. Email is the
// identity's current address, which can change over the account's lifetime,
// so nothing should be keyed by it.
type AuthInfo struct {
	// UserID is the stable identity id.
	UserID string

	// Email is the identity's current address.
	Email string

	// Token is the bearer token that authenticated the request, kept so
	// logout can revoke it.
	Token string

	// Metadata holds provider-specific claims.
	Metadata Metadata
}

// AuthProvider validates bearer tokens.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type AuthProvider interface {
	// Validate checks the token and returns the caller's identity.
	//
	// Returns ErrUnauthorized (or wrapped) for tokens that are not valid,
	// other errors for backend failures.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}
