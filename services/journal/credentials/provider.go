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
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianJournal/pkg/extensions"
)

// AuthProvider validates bearer tokens against a TokenStore and resolves
// the identity behind them.
type AuthProvider struct {
	backend Backend
	tokens  *TokenStore
}

var _ extensions.AuthProvider = (*AuthProvider)(nil)

// NewAuthProvider returns an extensions.AuthProvider for the service.
func NewAuthProvider(backend Backend, tokens *TokenStore) *AuthProvider {
	return &AuthProvider{backend: backend, tokens: tokens}
}

// Validate resolves token to the current identity record, so a changed
// address is visible on the next request.
func (p *AuthProvider) Validate(ctx context.Context, token string) (*extensions.AuthInfo, error) {
	identityID, err := p.tokens.Validate(ctx, token)
	if errors.Is(err, ErrInvalidToken) {
		return nil, fmt.Errorf("%w: %v", extensions.ErrUnauthorized, err)
	}
	if err != nil {
		return nil, err
	}
	ident, err := p.backend.Get(ctx, identityID)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: identity removed", extensions.ErrUnauthorized)
	}
	if err != nil {
		return nil, err
	}
	return &extensions.AuthInfo{
		UserID: ident.ID,
		Email:  ident.Address,
		Token:  token,
	}, nil
}
