// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package otp

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianJournal/services/journal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureMailer struct {
	mu    sync.Mutex
	codes []string
	fail  error
}

func (m *captureMailer) Send(ctx context.Context, address, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes = append(m.codes, code)
	return m.fail
}

func (m *captureMailer) last() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.codes[len(m.codes)-1]
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

var t0 = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, mailer *captureMailer, cfg Config) (*Service, *testClock) {
	t.Helper()
	db, err := store.Open(store.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	clock := &testClock{now: t0}
	cfg.Clock = clock.Now
	return NewService(db, mailer, cfg), clock
}

func TestGenerateCode_Format(t *testing.T) {
	re := regexp.MustCompile(`^[0-9]{6}$`)
	for i := 0; i < 200; i++ {
		code, err := GenerateCode()
		require.NoError(t, err)
		assert.Regexp(t, re, code)
	}
}

func TestVerify_ExpiryBoundary(t *testing.T) {
	ctx := context.Background()

	t.Run("T+599s succeeds exactly once", func(t *testing.T) {
		m := &captureMailer{}
		svc, clock := newTestService(t, m, Config{})

		receipt, err := svc.RequestChallenge(ctx, "id-1", "a@example.com")
		require.NoError(t, err)
		assert.True(t, receipt.Delivered)
		assert.Equal(t, t0.Add(10*time.Minute), receipt.ExpiresAt)

		clock.Set(t0.Add(599 * time.Second))
		require.NoError(t, svc.Verify(ctx, "id-1", m.last()))
		assert.ErrorIs(t, svc.Verify(ctx, "id-1", m.last()), ErrInvalidCode)
	})

	t.Run("T+601s fails", func(t *testing.T) {
		m := &captureMailer{}
		svc, clock := newTestService(t, m, Config{})

		_, err := svc.RequestChallenge(ctx, "id-1", "a@example.com")
		require.NoError(t, err)

		clock.Set(t0.Add(601 * time.Second))
		assert.ErrorIs(t, svc.Verify(ctx, "id-1", m.last()), ErrInvalidCode)
	})
}

func TestVerify_UniformErrors(t *testing.T) {
	ctx := context.Background()
	m := &captureMailer{}
	svc, _ := newTestService(t, m, Config{Generate: func() (string, error) { return "123456", nil }})

	noChallenge := svc.Verify(ctx, "id-1", "123456")

	_, err := svc.RequestChallenge(ctx, "id-1", "a@example.com")
	require.NoError(t, err)
	mismatch := svc.Verify(ctx, "id-1", "654321")

	assert.Equal(t, ErrInvalidCode, noChallenge)
	assert.Equal(t, ErrInvalidCode, mismatch)
	assert.Equal(t, "invalid or expired code", mismatch.Error())

	// A wrong guess does not burn the challenge before the attempt limit.
	assert.NoError(t, svc.Verify(ctx, "id-1", "123456"))
}

func TestRequestChallenge_Supersedes(t *testing.T) {
	ctx := context.Background()
	codes := []string{"111111", "222222"}
	var i int
	m := &captureMailer{}
	svc, _ := newTestService(t, m, Config{Generate: func() (string, error) {
		c := codes[i]
		i++
		return c, nil
	}})

	_, err := svc.RequestChallenge(ctx, "id-1", "a@example.com")
	require.NoError(t, err)
	_, err = svc.RequestChallenge(ctx, "id-1", "a@example.com")
	require.NoError(t, err)

	assert.ErrorIs(t, svc.Verify(ctx, "id-1", "111111"), ErrInvalidCode)
	assert.NoError(t, svc.Verify(ctx, "id-1", "222222"))
}

func TestChallenges_ScopedByIdentity(t *testing.T) {
	ctx := context.Background()
	m := &captureMailer{}
	svc, _ := newTestService(t, m, Config{})

	_, err := svc.RequestChallenge(ctx, "id-1", "a@example.com")
	require.NoError(t, err)
	code := m.last()

	assert.ErrorIs(t, svc.Verify(ctx, "id-2", code), ErrInvalidCode)
	assert.NoError(t, svc.Verify(ctx, "id-1", code))
}

func TestVerify_MaxAttempts(t *testing.T) {
	ctx := context.Background()
	m := &captureMailer{}
	svc, _ := newTestService(t, m, Config{
		MaxAttempts: 3,
		Generate:    func() (string, error) { return "424242", nil },
	})

	_, err := svc.RequestChallenge(ctx, "id-1", "a@example.com")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, svc.Verify(ctx, "id-1", "000000"), ErrInvalidCode)
	}
	assert.ErrorIs(t, svc.Verify(ctx, "id-1", "424242"), ErrInvalidCode)
}

func TestRequestChallenge_DeliveryFailureKeepsChallenge(t *testing.T) {
	ctx := context.Background()
	m := &captureMailer{fail: errors.New("smtp down")}
	svc, _ := newTestService(t, m, Config{})

	receipt, err := svc.RequestChallenge(ctx, "id-1", "a@example.com")
	require.NoError(t, err)
	assert.False(t, receipt.Delivered)
	assert.Equal(t, ErrDeliveryFailed.Error(), receipt.Warning)

	assert.NoError(t, svc.Verify(ctx, "id-1", m.last()))
}

func TestVerify_ConcurrentSingleUse(t *testing.T) {
	ctx := context.Background()
	m := &captureMailer{}
	svc, _ := newTestService(t, m, Config{})

	_, err := svc.RequestChallenge(ctx, "id-1", "a@example.com")
	require.NoError(t, err)
	code := m.last()

	var mu sync.Mutex
	var successes int
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if svc.Verify(ctx, "id-1", code) == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes)
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	m := &captureMailer{}
	svc, clock := newTestService(t, m, Config{})

	_, err := svc.RequestChallenge(ctx, "old", "a@example.com")
	require.NoError(t, err)
	clock.Set(t0.Add(5 * time.Minute))
	_, err = svc.RequestChallenge(ctx, "new", "b@example.com")
	require.NoError(t, err)
	newCode := m.last()

	n, err := svc.Sweep(ctx, t0.Add(11*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "otp", svc.Name())

	clock.Set(t0.Add(11 * time.Minute))
	assert.NoError(t, svc.Verify(ctx, "new", newCode))
}
