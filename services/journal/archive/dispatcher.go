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
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianJournal/services/journal/datatypes"
	"github.com/AleutianAI/AleutianJournal/services/journal/observability"
	"github.com/AleutianAI/AleutianJournal/services/journal/sessions"
)

const (
	// DefaultWorkers is the size of the worker pool.
	DefaultWorkers = 4

	// DefaultQueueSize bounds sessions waiting for a worker.
	DefaultQueueSize = 256

	// DefaultRunTimeout bounds one archival run.
	DefaultRunTimeout = 5 * time.Minute
)

// Runner archives one session. *Pipeline implements it.
type Runner interface {
	Archive(ctx context.Context, identityID, sessionID string) (datatypes.JournalFile, error)
}

// DispatcherConfig configures the Dispatcher.
type DispatcherConfig struct {
	Workers    int
	QueueSize  int
	RunTimeout time.Duration
	Metrics    *observability.Metrics
}

// Dispatcher runs archival in the background.
//
// # Description
//
// Enqueue never blocks: when the queue is full the job runs on its own
// goroutine. Errors are logged and never reach the caller. Shutdown stops
// intake and waits for queued and running jobs.
//
// # Thread Safety
//
// Safe for concurrent use.
type Dispatcher struct {
	runner  Runner
	cfg     DispatcherConfig
	queue   chan Target
	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.RWMutex
	closed  bool
	jobs    sync.WaitGroup
	workers sync.WaitGroup
}

var _ sessions.Archiver = (*Dispatcher)(nil)

// NewDispatcher starts the worker pool.
func NewDispatcher(runner Runner, cfg DispatcherConfig) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultRunTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		runner:  runner,
		cfg:     cfg,
		queue:   make(chan Target, cfg.QueueSize),
		baseCtx: ctx,
		cancel:  cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		d.workers.Add(1)
		go d.worker()
	}
	return d
}

// Enqueue schedules archival of a session that was just locked.
func (d *Dispatcher) Enqueue(identityID, sessionID string) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		slog.Warn("Archival dispatcher closed, dropping session", "session_id", sessionID)
		return
	}

	t := Target{IdentityID: identityID, SessionID: sessionID}
	d.jobs.Add(1)
	select {
	case d.queue <- t:
		d.cfg.Metrics.SetQueueDepth(len(d.queue))
	default:
		slog.Warn("Archival queue full, running detached", "session_id", sessionID)
		go func() {
			defer d.jobs.Done()
			d.run(t)
		}()
	}
}

func (d *Dispatcher) worker() {
	defer d.workers.Done()
	for t := range d.queue {
		d.cfg.Metrics.SetQueueDepth(len(d.queue))
		d.run(t)
		d.jobs.Done()
	}
}

func (d *Dispatcher) run(t Target) {
	ctx, cancel := context.WithTimeout(d.baseCtx, d.cfg.RunTimeout)
	defer cancel()

	_, err := d.runner.Archive(ctx, t.IdentityID, t.SessionID)
	switch {
	case err == nil:
	case errors.Is(err, ErrAlreadyArchived), errors.Is(err, ErrNotEligible):
		slog.Debug("Archival skipped", "session_id", t.SessionID, "reason", err)
	default:
		slog.Warn("Archival did not produce a journal", "session_id", t.SessionID, "error", err)
	}
}

// Shutdown stops accepting work and waits for pending jobs. When ctx ends
// first, running jobs are cancelled and ctx.Err() is returned.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.jobs.Wait()
		d.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
