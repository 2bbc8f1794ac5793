// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ttl removes expired OTP challenges and bearer tokens in the
// background.
package ttl

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianJournal/services/journal/observability"
)

// DefaultInterval is the sweep period.
const DefaultInterval = time.Minute

// Sweeper deletes records that expired before now and reports how many
// it removed.
type Sweeper interface {
	Name() string
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// SchedulerConfig configures a Scheduler.
//
// # Fields
//
//   - Interval: Time between sweeps. Default DefaultInterval.
//   - Clock: Time source passed to sweepers. Default time.Now.
//   - Metrics: Optional.
type SchedulerConfig struct {
	Interval time.Duration
	Clock    func() time.Time
	Metrics  *observability.Metrics
}

// Result reports one sweep cycle.
type Result struct {
	Removed map[string]int
	Errors  map[string]error
}

// Scheduler runs every Sweeper on a ticker.
//
// # Description
//
// A cycle calls each sweeper in order; one failing sweeper does not stop
// the others. Start runs a first cycle immediately, then one per
// interval until Stop or the context ends.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Scheduler struct {
	sweepers []Sweeper
	cfg      SchedulerConfig

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewScheduler creates a Scheduler. Call Start to begin sweeping.
func NewScheduler(cfg SchedulerConfig, sweepers ...Sweeper) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Scheduler{sweepers: sweepers, cfg: cfg}
}

// Start launches the background loop. It fails if the scheduler is
// already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	s.running = true
	s.done = make(chan struct{})

	names := make([]string, 0, len(s.sweepers))
	for _, sw := range s.sweepers {
		names = append(names, sw.Name())
	}
	slog.Info("TTL sweeper starting", "interval", s.cfg.Interval.String(), "sweepers", names)

	s.wg.Add(1)
	go s.runLoop(ctx, s.done)
	return nil
}

// Stop signals the loop and waits for the current cycle to finish. Safe
// to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	close(s.done)
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	slog.Info("TTL sweeper stopped")
}

// RunNow performs one cycle synchronously.
func (s *Scheduler) RunNow(ctx context.Context) Result {
	now := s.cfg.Clock()
	res := Result{Removed: make(map[string]int), Errors: make(map[string]error)}
	for _, sw := range s.sweepers {
		if ctx.Err() != nil {
			res.Errors[sw.Name()] = ctx.Err()
			continue
		}
		n, err := sw.Sweep(ctx, now)
		if err != nil {
			slog.Error("TTL sweep failed", "sweeper", sw.Name(), "error", err)
			res.Errors[sw.Name()] = err
			continue
		}
		res.Removed[sw.Name()] = n
		s.cfg.Metrics.RecordSwept(sw.Name(), n)
		if n > 0 {
			slog.Info("TTL sweep removed expired records", "sweeper", sw.Name(), "removed", n)
		}
	}
	return res
}

func (s *Scheduler) runLoop(ctx context.Context, done <-chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.RunNow(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("TTL sweeper stopped (context cancelled)")
			return
		case <-done:
			return
		case <-ticker.C:
			s.RunNow(ctx)
		}
	}
}
