// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sessions owns the conversation sessions of each identity.
//
// Every session moves through exactly two states:
//
//	OPEN ──lock──▶ LOCKED (terminal)
//
// At most one session per identity is OPEN at any time. Creating a session
// or switching to another one first locks the open session and hands it to
// the archiver; the archiver runs in the background and the call returns as
// soon as the lock has been persisted.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/AleutianAI/AleutianJournal/services/journal/datatypes"
	"github.com/google/uuid"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrSessionLocked is returned when appending to a locked session.
	ErrSessionLocked = errors.New("session is locked")

	// ErrSessionNotFound is returned for unknown ids and for ids owned by
	// another identity.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNoActiveSession is returned by Active when nothing is selected.
	ErrNoActiveSession = errors.New("no active session")
)

// =============================================================================
// Collaborators
// =============================================================================

// Archiver receives sessions that were just locked. Enqueue must not block.
type Archiver interface {
	Enqueue(identityID, sessionID string)
}

// LockOptions carries request-scoped context recorded on the session that
// gets locked.
type LockOptions struct {
	// SigningIdentity is used by archival to notarize the journal. Empty
	// means the journal is not notarized.
	SigningIdentity string
}

// Config configures the session store.
//
// # Fields
//
//   - Clock: Time source. Default: time.Now.
//   - Greeting: Opening assistant message. Default: datatypes.OpeningMessage.
type Config struct {
	Clock    func() time.Time
	Greeting string
}

func applyConfigDefaults(cfg *Config) {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Greeting == "" {
		cfg.Greeting = datatypes.OpeningMessage
	}
}

// =============================================================================
// Store
// =============================================================================

// Store exposes the session lifecycle operations.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Each mutation is a whole
// snapshot replace through the Repository.
type Store interface {
	// Create locks the open session (if any), enqueues it for archival and
	// returns a new open session seeded with the greeting.
	Create(ctx context.Context, identityID string, opts LockOptions) (datatypes.ChatSession, error)

	// Append adds a message to an open session. The first user message
	// sets the title. Returns ErrSessionLocked for locked sessions.
	Append(ctx context.Context, identityID, sessionID string, role datatypes.Role, content string) (datatypes.Message, error)

	// SwitchActive selects an existing session. Any other open session is
	// locked and enqueued first.
	SwitchActive(ctx context.Context, identityID, sessionID string, opts LockOptions) (datatypes.ChatSession, error)

	// Lock locks a session. Idempotent.
	Lock(ctx context.Context, identityID, sessionID string, opts LockOptions) (datatypes.ChatSession, error)

	// Delete removes a session. Deleting the active session leaves no
	// active session.
	Delete(ctx context.Context, identityID, sessionID string) error

	// Get returns one session.
	Get(ctx context.Context, identityID, sessionID string) (datatypes.ChatSession, error)

	// List returns every session, most recently updated first.
	List(ctx context.Context, identityID string) ([]datatypes.ChatSession, error)

	// Active returns the selected session or ErrNoActiveSession.
	Active(ctx context.Context, identityID string) (datatypes.ChatSession, error)
}

type sessionStore struct {
	repo     Repository
	archiver Archiver
	cfg      Config
}

var _ Store = (*sessionStore)(nil)

// NewStore creates a session store.
//
// # Inputs
//
//   - repo: Snapshot persistence.
//   - archiver: Receives locked sessions. May be nil, in which case locked
//     sessions are not archived.
//   - cfg: See Config.
func NewStore(repo Repository, archiver Archiver, cfg Config) Store {
	applyConfigDefaults(&cfg)
	return &sessionStore{repo: repo, archiver: archiver, cfg: cfg}
}

func (s *sessionStore) Create(ctx context.Context, identityID string, opts LockOptions) (datatypes.ChatSession, error) {
	var created datatypes.ChatSession
	var locked []string

	err := s.repo.Update(ctx, identityID, func(coll *datatypes.SessionCollection) error {
		now := s.cfg.Clock()
		locked = lockOpen(coll, "", now, opts)

		created = datatypes.ChatSession{
			ID:         uuid.New().String(),
			IdentityID: identityID,
			Title:      datatypes.DefaultSessionTitle,
			Messages: []datatypes.Message{
				datatypes.NewMessage(datatypes.RoleAssistant, s.cfg.Greeting, now),
			},
			CreatedAt: now,
			UpdatedAt: now,
		}
		coll.Sessions = append(coll.Sessions, created)
		coll.ActiveID = created.ID
		return nil
	})
	if err != nil {
		return datatypes.ChatSession{}, fmt.Errorf("create session: %w", err)
	}

	s.enqueue(identityID, locked)
	slog.Info("Session created", "identity_id", identityID, "session_id", created.ID, "locked", len(locked))
	return created.Clone(), nil
}

func (s *sessionStore) Append(ctx context.Context, identityID, sessionID string, role datatypes.Role, content string) (datatypes.Message, error) {
	if !role.Valid() {
		return datatypes.Message{}, fmt.Errorf("append message: invalid role %q", role)
	}

	var msg datatypes.Message
	err := s.repo.Update(ctx, identityID, func(coll *datatypes.SessionCollection) error {
		idx := coll.Find(sessionID)
		if idx < 0 {
			return ErrSessionNotFound
		}
		sess := &coll.Sessions[idx]
		if sess.Locked {
			return ErrSessionLocked
		}

		now := s.cfg.Clock()
		if role == datatypes.RoleUser && !sess.HasUserMessage() {
			sess.Title = datatypes.DeriveTitle(content)
		}
		msg = datatypes.NewMessage(role, content, now)
		sess.Messages = append(sess.Messages, msg)
		sess.UpdatedAt = now
		return nil
	})
	if err != nil {
		return datatypes.Message{}, fmt.Errorf("append message: %w", err)
	}
	return msg, nil
}

func (s *sessionStore) SwitchActive(ctx context.Context, identityID, sessionID string, opts LockOptions) (datatypes.ChatSession, error) {
	var target datatypes.ChatSession
	var locked []string

	err := s.repo.Update(ctx, identityID, func(coll *datatypes.SessionCollection) error {
		idx := coll.Find(sessionID)
		if idx < 0 {
			return ErrSessionNotFound
		}
		locked = lockOpen(coll, sessionID, s.cfg.Clock(), opts)
		coll.ActiveID = sessionID
		target = coll.Sessions[idx]
		return nil
	})
	if err != nil {
		return datatypes.ChatSession{}, fmt.Errorf("switch session: %w", err)
	}

	s.enqueue(identityID, locked)
	slog.Info("Session switched", "identity_id", identityID, "session_id", sessionID, "locked", len(locked))
	return target.Clone(), nil
}

func (s *sessionStore) Lock(ctx context.Context, identityID, sessionID string, opts LockOptions) (datatypes.ChatSession, error) {
	var target datatypes.ChatSession
	var transitioned bool

	err := s.repo.Update(ctx, identityID, func(coll *datatypes.SessionCollection) error {
		transitioned = false
		idx := coll.Find(sessionID)
		if idx < 0 {
			return ErrSessionNotFound
		}
		sess := &coll.Sessions[idx]
		if !sess.Locked {
			lockSession(sess, s.cfg.Clock(), opts)
			transitioned = true
		}
		target = *sess
		return nil
	})
	if err != nil {
		return datatypes.ChatSession{}, fmt.Errorf("lock session: %w", err)
	}

	if transitioned {
		s.enqueue(identityID, []string{sessionID})
	}
	return target.Clone(), nil
}

func (s *sessionStore) Delete(ctx context.Context, identityID, sessionID string) error {
	err := s.repo.Update(ctx, identityID, func(coll *datatypes.SessionCollection) error {
		idx := coll.Find(sessionID)
		if idx < 0 {
			return ErrSessionNotFound
		}
		coll.Sessions = append(coll.Sessions[:idx:idx], coll.Sessions[idx+1:]...)
		if coll.ActiveID == sessionID {
			coll.ActiveID = ""
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	slog.Info("Session deleted", "identity_id", identityID, "session_id", sessionID)
	return nil
}

func (s *sessionStore) Get(ctx context.Context, identityID, sessionID string) (datatypes.ChatSession, error) {
	coll, err := s.repo.Load(ctx, identityID)
	if err != nil {
		return datatypes.ChatSession{}, err
	}
	idx := coll.Find(sessionID)
	if idx < 0 {
		return datatypes.ChatSession{}, ErrSessionNotFound
	}
	return coll.Sessions[idx].Clone(), nil
}

func (s *sessionStore) List(ctx context.Context, identityID string) ([]datatypes.ChatSession, error) {
	coll, err := s.repo.Load(ctx, identityID)
	if err != nil {
		return nil, err
	}
	out := make([]datatypes.ChatSession, 0, len(coll.Sessions))
	for _, sess := range coll.Sessions {
		out = append(out, sess.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *sessionStore) Active(ctx context.Context, identityID string) (datatypes.ChatSession, error) {
	coll, err := s.repo.Load(ctx, identityID)
	if err != nil {
		return datatypes.ChatSession{}, err
	}
	if coll.ActiveID == "" {
		return datatypes.ChatSession{}, ErrNoActiveSession
	}
	idx := coll.Find(coll.ActiveID)
	if idx < 0 {
		return datatypes.ChatSession{}, ErrNoActiveSession
	}
	return coll.Sessions[idx].Clone(), nil
}

// =============================================================================
// Internal
// =============================================================================

// lockOpen locks every open session except keep and returns their ids.
// The result is reset on every call so a retried transaction reports only
// what its final attempt locked.
func lockOpen(coll *datatypes.SessionCollection, keep string, now time.Time, opts LockOptions) []string {
	var locked []string
	for _, idx := range coll.Unlocked() {
		if coll.Sessions[idx].ID == keep {
			continue
		}
		lockSession(&coll.Sessions[idx], now, opts)
		locked = append(locked, coll.Sessions[idx].ID)
	}
	return locked
}

func lockSession(sess *datatypes.ChatSession, now time.Time, opts LockOptions) {
	sess.Locked = true
	sess.LockedAt = &now
	sess.UpdatedAt = now
	sess.SigningIdentity = opts.SigningIdentity
}

// enqueue runs after the lock has been committed, so archival never sees
// a session that can still change.
func (s *sessionStore) enqueue(identityID string, sessionIDs []string) {
	if s.archiver == nil {
		return
	}
	for _, id := range sessionIDs {
		s.archiver.Enqueue(identityID, id)
	}
}
