// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package archive turns locked sessions into journal files.
//
// # Description
//
// The Pipeline runs four sequential stages for one session:
//
//  1. Summarize the user-authored messages. Failure or an empty summary
//     aborts the run and nothing is written.
//  2. Classify the summary into a mental-health category and keywords.
//  3. Store the journal payload in the content-address store.
//  4. Notarize the content address, only when the session carries a
//     signing identity.
//
// Stages 2-4 degrade instead of failing. Once a stage fails, it and every
// later stage record their fallback values (NEUTRAL, no keywords,
// UPLOAD_FAILED, N/A), and the journal is still committed.
//
// The Dispatcher feeds the Pipeline from a bounded queue so that callers
// never wait for archival.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianJournal/services/journal/ai"
	"github.com/AleutianAI/AleutianJournal/services/journal/contentstore"
	"github.com/AleutianAI/AleutianJournal/services/journal/datatypes"
	"github.com/AleutianAI/AleutianJournal/services/journal/ledger"
	"github.com/AleutianAI/AleutianJournal/services/journal/observability"
	"github.com/AleutianAI/AleutianJournal/services/journal/sessions"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrAlreadyArchived is returned when the session already has a journal.
	ErrAlreadyArchived = errors.New("session already archived")

	// ErrNotEligible is returned for sessions that are unknown, still open
	// or have no user-authored message.
	ErrNotEligible = errors.New("session not eligible for archival")

	// ErrEmptySummary is returned when summarization produced no text.
	ErrEmptySummary = errors.New("summary is empty")
)

// Stage names used in spans, metrics and logs.
const (
	StageSummarize = "summarize"
	StageClassify  = "classify"
	StageStore     = "store"
	StageNotarize  = "notarize"
)

// Run outcomes.
const (
	OutcomeCommitted  = "committed"
	OutcomeDegraded   = "degraded"
	OutcomeAborted    = "aborted"
	OutcomeDuplicate  = "duplicate"
	OutcomeIneligible = "ineligible"
	OutcomeError      = "error"
)

var tracer = otel.Tracer("journal.archive")

// =============================================================================
// Pipeline
// =============================================================================

// Config configures the Pipeline.
//
// # Fields
//
//   - Sessions: Reads locked sessions. Required.
//   - Journals: Journal persistence. Required.
//   - Analyzer: Summarize and classify. Required.
//   - Content: Content-address store. Required.
//   - Ledger: Optional. Nil skips notarization as if no signing identity was attached.
//   - StageTimeout: Bound for each external call. Default 60s.
//   - Clock: Default time.Now.
//   - Metrics: Optional.
type Config struct {
	Sessions     sessions.Repository
	Journals     JournalRepository
	Analyzer     ai.Analyzer
	Content      contentstore.Store
	Ledger       ledger.Notarizer
	StageTimeout time.Duration
	Clock        func() time.Time
	Metrics      *observability.Metrics
}

// DefaultStageTimeout bounds each external stage call.
const DefaultStageTimeout = 60 * time.Second

// Pipeline archives locked sessions.
//
// # Thread Safety
//
// Safe for concurrent use. Concurrent runs for the same session share one
// execution; the journal insert re-checks for an existing journal inside
// its transaction.
type Pipeline struct {
	cfg      Config
	inflight singleflight.Group
}

// NewPipeline validates cfg and returns a Pipeline.
func NewPipeline(cfg Config) (*Pipeline, error) {
	switch {
	case cfg.Sessions == nil:
		return nil, errors.New("archive: session repository is required")
	case cfg.Journals == nil:
		return nil, errors.New("archive: journal repository is required")
	case cfg.Analyzer == nil:
		return nil, errors.New("archive: analyzer is required")
	case cfg.Content == nil:
		return nil, errors.New("archive: content store is required")
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = DefaultStageTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Pipeline{cfg: cfg}, nil
}

// Journals exposes the journal repository the pipeline writes to.
func (p *Pipeline) Journals() JournalRepository {
	return p.cfg.Journals
}

// Archive runs the pipeline for one session and returns the committed
// journal.
//
// # Outputs
//
//   - datatypes.JournalFile: The committed record. It may carry sentinel
//     values when stages 2-4 degraded.
//   - error: ErrNotEligible, ErrAlreadyArchived, ErrEmptySummary, a wrapped
//     summarize failure, or a persistence failure. Stage 2-4 failures are
//     never returned.
func (p *Pipeline) Archive(ctx context.Context, identityID, sessionID string) (datatypes.JournalFile, error) {
	key := identityID + "/" + sessionID
	v, err, shared := p.inflight.Do(key, func() (any, error) {
		return p.run(ctx, identityID, sessionID)
	})
	if shared {
		slog.Debug("Archival joined in-flight run", "session_id", sessionID)
	}
	if err != nil {
		return datatypes.JournalFile{}, err
	}
	return v.(datatypes.JournalFile), nil
}

func (p *Pipeline) run(ctx context.Context, identityID, sessionID string) (file datatypes.JournalFile, err error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "archive.Run", trace.WithAttributes(
		attribute.String("session.id", sessionID),
	))
	outcome := OutcomeCommitted
	defer func() {
		span.SetAttributes(attribute.String("archive.outcome", outcome))
		if err != nil && outcome == OutcomeError {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		p.cfg.Metrics.RecordArchival(outcome, time.Since(start).Seconds())
	}()

	sess, err := p.eligibleSession(ctx, identityID, sessionID)
	if err != nil {
		outcome = classifyOutcome(err)
		return datatypes.JournalFile{}, err
	}

	summary, err := p.summarize(ctx, sess)
	if err != nil {
		outcome = OutcomeAborted
		slog.Warn("Archival aborted at summarize", "session_id", sessionID, "error", err)
		return datatypes.JournalFile{}, err
	}

	now := p.cfg.Clock().UTC()
	file = datatypes.JournalFile{
		ID:         uuid.NewString(),
		SessionID:  sess.ID,
		IdentityID: identityID,
		StartTime:  sess.CreatedAt,
		EndTime:    endTime(sess),
		Title:      sess.Title,
		Summary:    summary,
		CreatedAt:  now,
	}

	failed := false
	cls, ok := p.classify(ctx, summary)
	failed = !ok
	file.MentalHealth = cls.Category
	file.Keywords = cls.Keywords

	file.ContentAddress, ok = p.store(ctx, file, failed)
	failed = failed || !ok

	file.NotarizationRef = p.notarize(ctx, file.ContentAddress, sess.SigningIdentity, failed)

	if err := p.cfg.Journals.Insert(ctx, file); err != nil {
		outcome = classifyOutcome(err)
		return datatypes.JournalFile{}, err
	}
	if file.Degraded() {
		outcome = OutcomeDegraded
	}
	slog.Info("Archived session",
		"session_id", sessionID,
		"journal_id", file.ID,
		"category", file.MentalHealth,
		"keywords", len(file.Keywords),
		"degraded", file.Degraded())
	return file, nil
}

func classifyOutcome(err error) string {
	switch {
	case errors.Is(err, ErrAlreadyArchived):
		return OutcomeDuplicate
	case errors.Is(err, ErrNotEligible):
		return OutcomeIneligible
	default:
		return OutcomeError
	}
}

func (p *Pipeline) eligibleSession(ctx context.Context, identityID, sessionID string) (datatypes.ChatSession, error) {
	coll, err := p.cfg.Sessions.Load(ctx, identityID)
	if err != nil {
		return datatypes.ChatSession{}, err
	}
	i := coll.Find(sessionID)
	if i < 0 {
		return datatypes.ChatSession{}, fmt.Errorf("%w: unknown session", ErrNotEligible)
	}
	sess := coll.Sessions[i]
	if !sess.Locked {
		return datatypes.ChatSession{}, fmt.Errorf("%w: session is open", ErrNotEligible)
	}
	if !sess.HasUserMessage() {
		return datatypes.ChatSession{}, fmt.Errorf("%w: no user messages", ErrNotEligible)
	}
	exists, err := p.cfg.Journals.HasSession(ctx, identityID, sessionID)
	if err != nil {
		return datatypes.ChatSession{}, err
	}
	if exists {
		return datatypes.ChatSession{}, ErrAlreadyArchived
	}
	return sess, nil
}

func endTime(sess datatypes.ChatSession) time.Time {
	if sess.LockedAt != nil {
		return *sess.LockedAt
	}
	return sess.UpdatedAt
}

// =============================================================================
// Stages
// =============================================================================

func (p *Pipeline) stageContext(ctx context.Context, stage string) (context.Context, trace.Span, context.CancelFunc) {
	ctx, span := tracer.Start(ctx, "archive."+stage)
	ctx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
	return ctx, span, cancel
}

func (p *Pipeline) endStage(span trace.Span, stage string, result observability.StageResult, err error) {
	span.SetAttributes(attribute.String("stage.result", string(result)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	p.cfg.Metrics.RecordStage(stage, result)
}

func (p *Pipeline) summarize(ctx context.Context, sess datatypes.ChatSession) (string, error) {
	ctx, span, cancel := p.stageContext(ctx, StageSummarize)
	defer cancel()

	summary, err := p.cfg.Analyzer.Summarize(ctx, sess.UserMessages())
	if err == nil && strings.TrimSpace(summary) == "" {
		err = ErrEmptySummary
	}
	if err != nil {
		p.endStage(span, StageSummarize, observability.StageFailed, err)
		if errors.Is(err, ErrEmptySummary) {
			return "", err
		}
		return "", fmt.Errorf("summarize: %w", err)
	}
	span.SetAttributes(attribute.Int("summary.length", len(summary)))
	p.endStage(span, StageSummarize, observability.StageSuccess, nil)
	return strings.TrimSpace(summary), nil
}

// classify returns false when the stage failed. The classification is
// then the neutral fallback.
func (p *Pipeline) classify(ctx context.Context, summary string) (datatypes.Classification, bool) {
	ctx, span, cancel := p.stageContext(ctx, StageClassify)
	defer cancel()

	cls, err := p.cfg.Analyzer.Classify(ctx, summary)
	if err != nil {
		slog.Warn("Classify stage failed, using neutral fallback", "error", err)
		p.endStage(span, StageClassify, observability.StageFailed, err)
		return datatypes.Classification{Category: datatypes.CategoryNeutral, Keywords: []string{}}, false
	}
	cls = cls.Normalize()
	span.SetAttributes(attribute.String("classification.category", string(cls.Category)))
	p.endStage(span, StageClassify, observability.StageSuccess, nil)
	return cls, true
}

// store returns the content address, or AddressUploadFailed and false.
func (p *Pipeline) store(ctx context.Context, file datatypes.JournalFile, upstreamFailed bool) (string, bool) {
	ctx, span, cancel := p.stageContext(ctx, StageStore)
	defer cancel()

	if upstreamFailed {
		p.endStage(span, StageStore, observability.StageSkipped, nil)
		return datatypes.AddressUploadFailed, false
	}
	payload, err := json.Marshal(datatypes.JournalPayload{
		SessionID:    file.SessionID,
		Title:        file.Title,
		StartTime:    file.StartTime,
		EndTime:      file.EndTime,
		Summary:      file.Summary,
		MentalHealth: file.MentalHealth,
		Keywords:     file.Keywords,
		OwnerTag:     file.IdentityID,
		CreatedAt:    file.CreatedAt,
	})
	if err == nil {
		var address string
		address, err = p.cfg.Content.Put(ctx, payload, file.IdentityID)
		if err == nil {
			span.SetAttributes(attribute.String("content.address", address))
			p.endStage(span, StageStore, observability.StageSuccess, nil)
			return address, true
		}
	}
	slog.Warn("Store stage failed, recording sentinel address", "error", err)
	p.endStage(span, StageStore, observability.StageFailed, err)
	return datatypes.AddressUploadFailed, false
}

func (p *Pipeline) notarize(ctx context.Context, address, signingIdentity string, upstreamFailed bool) string {
	ctx, span, cancel := p.stageContext(ctx, StageNotarize)
	defer cancel()

	switch {
	case upstreamFailed:
		p.endStage(span, StageNotarize, observability.StageSkipped, nil)
		return datatypes.NotarizationFailed
	case signingIdentity == "" || p.cfg.Ledger == nil:
		p.endStage(span, StageNotarize, observability.StageSkipped, nil)
		return datatypes.NotarizationSkipped
	}

	ref, err := p.cfg.Ledger.Notarize(ctx, address, signingIdentity)
	if err != nil {
		slog.Warn("Notarize stage failed", "error", err)
		p.endStage(span, StageNotarize, observability.StageFailed, err)
		return datatypes.NotarizationFailed
	}
	span.SetAttributes(attribute.String("ledger.tx", ref))
	p.endStage(span, StageNotarize, observability.StageSuccess, nil)
	return ref
}

// =============================================================================
// Recovery
// =============================================================================

// Target names one session to archive.
type Target struct {
	IdentityID string
	SessionID  string
}

// Pending returns locked sessions with user messages that have no journal.
// These are left behind when the process stops between a lock and the end
// of its archival run.
func (p *Pipeline) Pending(ctx context.Context) ([]Target, error) {
	ids, err := p.cfg.Sessions.Identities(ctx)
	if err != nil {
		return nil, err
	}
	var out []Target
	for _, identityID := range ids {
		coll, err := p.cfg.Sessions.Load(ctx, identityID)
		if err != nil {
			return nil, err
		}
		for _, sess := range coll.Sessions {
			if !sess.Locked || !sess.HasUserMessage() {
				continue
			}
			exists, err := p.cfg.Journals.HasSession(ctx, identityID, sess.ID)
			if err != nil {
				return nil, err
			}
			if !exists {
				out = append(out, Target{IdentityID: identityID, SessionID: sess.ID})
			}
		}
	}
	return out, nil
}
