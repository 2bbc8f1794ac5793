// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package archive

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianJournal/services/journal/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type countingRunner struct {
	delay time.Duration
	block chan struct{}

	mu   sync.Mutex
	seen []Target
	runs atomic.Int32
}

func (c *countingRunner) Archive(ctx context.Context, identityID, sessionID string) (datatypes.JournalFile, error) {
	c.runs.Add(1)
	c.mu.Lock()
	c.seen = append(c.seen, Target{IdentityID: identityID, SessionID: sessionID})
	c.mu.Unlock()
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return datatypes.JournalFile{}, ctx.Err()
		}
	}
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	return datatypes.JournalFile{SessionID: sessionID}, nil
}

func TestDispatcher_DrainsOnShutdown(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	r := &countingRunner{delay: 5 * time.Millisecond}
	d := NewDispatcher(r, DispatcherConfig{Workers: 2, QueueSize: 4})

	for i := 0; i < 10; i++ {
		d.Enqueue("id-1", string(rune('a'+i)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Shutdown(ctx))
	assert.Equal(t, int32(10), r.runs.Load())
}

func TestDispatcher_EnqueueAfterShutdownIsDropped(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	r := &countingRunner{}
	d := NewDispatcher(r, DispatcherConfig{Workers: 1})
	require.NoError(t, d.Shutdown(context.Background()))

	d.Enqueue("id-1", "late")
	assert.Zero(t, r.runs.Load())

	// Shutdown twice is harmless.
	require.NoError(t, d.Shutdown(context.Background()))
}

func TestDispatcher_ShutdownDeadlineCancelsRuns(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	r := &countingRunner{block: make(chan struct{})}
	d := NewDispatcher(r, DispatcherConfig{Workers: 1})
	d.Enqueue("id-1", "stuck")

	require.Eventually(t, func() bool { return r.runs.Load() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := d.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDispatcher_EnqueueNeverBlocks(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	block := make(chan struct{})
	r := &countingRunner{block: block}
	d := NewDispatcher(r, DispatcherConfig{Workers: 1, QueueSize: 1})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			d.Enqueue("id-1", string(rune('a'+i)))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked with a full queue")
	}

	close(block)
	require.NoError(t, d.Shutdown(context.Background()))
	assert.Equal(t, int32(5), r.runs.Load())
}
