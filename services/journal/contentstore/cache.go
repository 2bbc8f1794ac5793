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
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize is the number of payloads CachedStore keeps.
const DefaultCacheSize = 512

// CachedStore is a read-through LRU cache over another Store.
//
// Content addresses are immutable, so a cached payload never goes stale.
// List is never cached because new payloads appear under an owner tag.
type CachedStore struct {
	inner Store
	cache *lru.Cache[string, []byte]
}

var _ Store = (*CachedStore)(nil)

// NewCachedStore wraps inner with a cache of size entries.
func NewCachedStore(inner Store, size int) (*CachedStore, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, fmt.Errorf("create content cache: %w", err)
	}
	return &CachedStore{inner: inner, cache: cache}, nil
}

// Put writes through and primes the cache.
func (c *CachedStore) Put(ctx context.Context, payload []byte, ownerTag string) (string, error) {
	address, err := c.inner.Put(ctx, payload, ownerTag)
	if err != nil {
		return "", err
	}
	c.cache.Add(address, append([]byte(nil), payload...))
	return address, nil
}

// List delegates to the inner store.
func (c *CachedStore) List(ctx context.Context, ownerTag string) ([]string, error) {
	return c.inner.List(ctx, ownerTag)
}

// Get serves from cache, falling back to the inner store.
func (c *CachedStore) Get(ctx context.Context, address string) ([]byte, error) {
	if payload, ok := c.cache.Get(address); ok {
		return append([]byte(nil), payload...), nil
	}
	payload, err := c.inner.Get(ctx, address)
	if err != nil {
		return nil, err
	}
	c.cache.Add(address, append([]byte(nil), payload...))
	return payload, nil
}

// Len reports the number of cached payloads.
func (c *CachedStore) Len() int {
	return c.cache.Len()
}
