// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ttl

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianJournal/services/journal/credentials"
	"github.com/AleutianAI/AleutianJournal/services/journal/observability"
	"github.com/AleutianAI/AleutianJournal/services/journal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type countingSweeper struct {
	name    string
	removed int
	err     error
	calls   atomic.Int32

	mu   sync.Mutex
	seen []time.Time
}

func (c *countingSweeper) Name() string { return c.name }

func (c *countingSweeper) Sweep(_ context.Context, now time.Time) (int, error) {
	c.calls.Add(1)
	c.mu.Lock()
	c.seen = append(c.seen, now)
	c.mu.Unlock()
	return c.removed, c.err
}

func TestScheduler_RunNowContinuesPastFailures(t *testing.T) {
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)

	broken := &countingSweeper{name: "broken", err: errors.New("disk full")}
	otpSweeper := &countingSweeper{name: "otp", removed: 3}
	s := NewScheduler(SchedulerConfig{Clock: func() time.Time { return fixed }, Metrics: metrics}, broken, otpSweeper)

	res := s.RunNow(context.Background())
	assert.Equal(t, map[string]int{"otp": 3}, res.Removed)
	require.Contains(t, res.Errors, "broken")
	assert.EqualError(t, res.Errors["broken"], "disk full")
	assert.Equal(t, []time.Time{fixed}, otpSweeper.seen)
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.SweptTotal.WithLabelValues("otp")))
}

func TestScheduler_StartRunsImmediatelyAndStops(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sw := &countingSweeper{name: "tokens"}
	s := NewScheduler(SchedulerConfig{Interval: 10 * time.Millisecond}, sw)
	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "second start is rejected")

	require.Eventually(t, func() bool { return sw.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()
	s.Stop()

	after := sw.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, sw.calls.Load(), "no sweeps after Stop")
}

func TestScheduler_ContextCancelStopsLoop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sw := &countingSweeper{name: "otp"}
	s := NewScheduler(SchedulerConfig{Interval: time.Hour}, sw)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	require.Eventually(t, func() bool { return sw.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	s.Stop()
}

func TestScheduler_RunNowCancelledContext(t *testing.T) {
	sw := &countingSweeper{name: "otp"}
	s := NewScheduler(SchedulerConfig{}, sw)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := s.RunNow(ctx)
	assert.ErrorIs(t, res.Errors["otp"], context.Canceled)
	assert.Zero(t, sw.calls.Load())
}

func TestScheduler_SweepsExpiredTokens(t *testing.T) {
	db, err := store.Open(store.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	tokens := credentials.NewTokenStore(db, time.Hour, clock)
	ctx := context.Background()

	stale, _, err := tokens.Issue(ctx, "identity-1")
	require.NoError(t, err)
	now = now.Add(2 * time.Hour)
	fresh, _, err := tokens.Issue(ctx, "identity-1")
	require.NoError(t, err)

	s := NewScheduler(SchedulerConfig{Clock: clock}, tokens)
	res := s.RunNow(ctx)
	assert.Equal(t, 1, res.Removed["tokens"])

	_, err = tokens.Validate(ctx, stale)
	assert.ErrorIs(t, err, credentials.ErrInvalidToken)
	id, err := tokens.Validate(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, "identity-1", id)
}
