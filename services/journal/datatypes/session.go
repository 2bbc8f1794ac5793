// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

const (
	// OpeningMessage seeds every new session.
	OpeningMessage = "How is your day going today?"

	// DefaultSessionTitle is used until the first user message arrives.
	DefaultSessionTitle = "Active Reflection"

	// MaxTitleRunes bounds a title derived from the first user message.
	MaxTitleRunes = 30

	// TitleEllipsis marks a truncated title.
	TitleEllipsis = "..."
)

// Message is a single turn in a session. Immutable once created.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewMessage builds a message with a fresh id.
func NewMessage(role Role, content string, now time.Time) Message {
	return Message{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		CreatedAt: now,
	}
}

// ChatSession is one reflective conversation.
//
// A session starts unlocked and is locked exactly once. Once Locked is true
// no field changes again, apart from deletion of the whole session.
//
// SigningIdentity records the signing identity (if any) that was attached
// to the request that locked the session; archival notarizes with it.
type ChatSession struct {
	ID              string     `json:"id"`
	IdentityID      string     `json:"identityId"`
	Title           string     `json:"title"`
	Messages        []Message  `json:"messages"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	Locked          bool       `json:"locked"`
	LockedAt        *time.Time `json:"lockedAt,omitempty"`
	SigningIdentity string     `json:"signingIdentity,omitempty"`
}

// HasUserMessage reports whether at least one message was authored by the user.
func (s *ChatSession) HasUserMessage() bool {
	for _, m := range s.Messages {
		if m.Role == RoleUser {
			return true
		}
	}
	return false
}

// UserMessages returns the user-authored messages in order.
func (s *ChatSession) UserMessages() []Message {
	var out []Message
	for _, m := range s.Messages {
		if m.Role == RoleUser {
			out = append(out, m)
		}
	}
	return out
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (s ChatSession) Clone() ChatSession {
	c := s
	c.Messages = append([]Message(nil), s.Messages...)
	if s.LockedAt != nil {
		t := *s.LockedAt
		c.LockedAt = &t
	}
	return c
}

// DeriveTitle builds a session title from the first user message.
//
// The title is the first MaxTitleRunes runes of content with TitleEllipsis
// appended when anything was cut. Blank content yields DefaultSessionTitle.
func DeriveTitle(content string) string {
	runes := []rune(content)
	if len(runes) == 0 {
		return DefaultSessionTitle
	}
	if len(runes) <= MaxTitleRunes {
		return content
	}
	return string(runes[:MaxTitleRunes]) + TitleEllipsis
}

// SessionCollection is the persisted snapshot of every session owned by one
// identity. ActiveID names the session currently shown to the user; it may
// be empty, and it may name a locked session that is being viewed.
type SessionCollection struct {
	ActiveID string        `json:"activeId,omitempty"`
	Sessions []ChatSession `json:"sessions"`
}

// Find returns the index of the session with id, or -1.
func (c *SessionCollection) Find(id string) int {
	for i := range c.Sessions {
		if c.Sessions[i].ID == id {
			return i
		}
	}
	return -1
}

// Unlocked returns the indexes of sessions that are still open. Under the
// store's invariant the result holds at most one element.
func (c *SessionCollection) Unlocked() []int {
	var idx []int
	for i := range c.Sessions {
		if !c.Sessions[i].Locked {
			idx = append(idx, i)
		}
	}
	return idx
}
