// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianJournal/pkg/extensions"
	"github.com/AleutianAI/AleutianJournal/services/journal/datatypes"
	"github.com/AleutianAI/AleutianJournal/services/journal/ledger"
	"github.com/AleutianAI/AleutianJournal/services/journal/middleware"
	"github.com/AleutianAI/AleutianJournal/services/journal/sessions"
	"github.com/gin-gonic/gin"
)

// SigningIdentityHeader carries the caller's wallet address. It is recorded
// on any session the request locks.
const SigningIdentityHeader = "X-Signing-Identity"

// SessionHandler serves the session lifecycle routes.
type SessionHandler struct {
	store sessions.Store
	audit extensions.AuditLogger
}

// NewSessionHandler creates a SessionHandler. A nil audit logger is
// replaced by a no-op logger.
func NewSessionHandler(store sessions.Store, audit extensions.AuditLogger) *SessionHandler {
	if audit == nil {
		audit = &extensions.NopAuditLogger{}
	}
	return &SessionHandler{store: store, audit: audit}
}

// lockOptions reads the signing identity header. An absent header is
// valid; a malformed one is rejected so a typo never silently disables
// notarization.
func lockOptions(c *gin.Context) (sessions.LockOptions, bool) {
	signer := strings.TrimSpace(c.GetHeader(SigningIdentityHeader))
	if signer == "" {
		return sessions.LockOptions{}, true
	}
	if !ledger.ValidSigningIdentity(signer) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + SigningIdentityHeader + " header"})
		return sessions.LockOptions{}, false
	}
	return sessions.LockOptions{SigningIdentity: signer}, true
}

// List handles GET /v1/sessions.
func (h *SessionHandler) List(c *gin.Context) {
	list, err := h.store.List(c.Request.Context(), middleware.IdentityID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": list})
}

// Create handles POST /v1/sessions. The previously open session is locked
// and handed to archival before the new session is returned.
func (h *SessionHandler) Create(c *gin.Context) {
	opts, ok := lockOptions(c)
	if !ok {
		return
	}
	sess, err := h.store.Create(c.Request.Context(), middleware.IdentityID(c), opts)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

// Active handles GET /v1/sessions/active.
func (h *SessionHandler) Active(c *gin.Context) {
	sess, err := h.store.Active(c.Request.Context(), middleware.IdentityID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// Get handles GET /v1/sessions/:id.
func (h *SessionHandler) Get(c *gin.Context) {
	sess, err := h.store.Get(c.Request.Context(), middleware.IdentityID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// Activate handles POST /v1/sessions/:id/activate.
func (h *SessionHandler) Activate(c *gin.Context) {
	opts, ok := lockOptions(c)
	if !ok {
		return
	}
	sess, err := h.store.SwitchActive(c.Request.Context(), middleware.IdentityID(c), c.Param("id"), opts)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// Lock handles POST /v1/sessions/:id/lock.
func (h *SessionHandler) Lock(c *gin.Context) {
	opts, ok := lockOptions(c)
	if !ok {
		return
	}
	sess, err := h.store.Lock(c.Request.Context(), middleware.IdentityID(c), c.Param("id"), opts)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// Delete handles DELETE /v1/sessions/:id.
func (h *SessionHandler) Delete(c *gin.Context) {
	identityID, sessionID := middleware.IdentityID(c), c.Param("id")
	if err := h.store.Delete(c.Request.Context(), identityID, sessionID); err != nil {
		respondError(c, err)
		return
	}
	auditDeletion(c, h.audit, "session.deleted", "session", identityID, sessionID)
	c.Status(http.StatusNoContent)
}

// AppendMessage handles POST /v1/sessions/:id/messages. It stores a user
// message without asking the AI for a reply.
func (h *SessionHandler) AppendMessage(c *gin.Context) {
	var req datatypes.AppendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := req.Validate(); err != nil {
		badRequest(c, err)
		return
	}
	msg, err := h.store.Append(c.Request.Context(), middleware.IdentityID(c), c.Param("id"), datatypes.RoleUser, req.Content)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// auditDeletion records a successful delete.
func auditDeletion(c *gin.Context, audit extensions.AuditLogger, eventType, resourceType, identityID, resourceID string) {
	err := audit.Log(c.Request.Context(), extensions.AuditEvent{
		EventType:    eventType,
		Timestamp:    time.Now().UTC(),
		UserID:       identityID,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Outcome:      "success",
	})
	if err != nil {
		slog.Warn("Audit log failed", "event", eventType, "error", err)
	}
}
