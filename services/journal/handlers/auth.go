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
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/AleutianJournal/pkg/extensions"
	"github.com/AleutianAI/AleutianJournal/services/journal/credentials"
	"github.com/AleutianAI/AleutianJournal/services/journal/datatypes"
	"github.com/AleutianAI/AleutianJournal/services/journal/middleware"
	"github.com/gin-gonic/gin"
)

// AuthHandler serves register, login and logout.
type AuthHandler struct {
	backend credentials.Backend
	tokens  *credentials.TokenStore
	audit   extensions.AuditLogger
}

// NewAuthHandler creates an AuthHandler. A nil audit logger is replaced by
// a no-op logger.
func NewAuthHandler(backend credentials.Backend, tokens *credentials.TokenStore, audit extensions.AuditLogger) *AuthHandler {
	if audit == nil {
		audit = &extensions.NopAuditLogger{}
	}
	return &AuthHandler{backend: backend, tokens: tokens, audit: audit}
}

// Register handles POST /v1/auth/register.
func (h *AuthHandler) Register(c *gin.Context) {
	var req datatypes.CredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := req.Validate(); err != nil {
		badRequest(c, err)
		return
	}

	ctx := c.Request.Context()
	ident, err := h.backend.Register(ctx, req.Address, req.Secret)
	if err != nil {
		h.record(ctx, "auth.failed", "", "failure")
		respondError(c, err)
		return
	}
	h.issue(c, http.StatusCreated, ident, "auth.register")
}

// Login handles POST /v1/auth/login.
func (h *AuthHandler) Login(c *gin.Context) {
	var req datatypes.CredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := req.Validate(); err != nil {
		badRequest(c, err)
		return
	}

	ctx := c.Request.Context()
	ident, err := h.backend.Login(ctx, req.Address, req.Secret)
	if err != nil {
		h.record(ctx, "auth.failed", "", "failure")
		respondError(c, err)
		return
	}
	h.issue(c, http.StatusOK, ident, "auth.login")
}

// Logout handles POST /v1/auth/logout. It revokes the token the request
// was authenticated with.
func (h *AuthHandler) Logout(c *gin.Context) {
	ctx := c.Request.Context()
	if err := h.tokens.Revoke(ctx, middleware.BearerToken(c)); err != nil {
		respondError(c, err)
		return
	}
	h.record(ctx, "auth.logout", middleware.IdentityID(c), "success")
	c.Status(http.StatusNoContent)
}

func (h *AuthHandler) issue(c *gin.Context, status int, ident datatypes.Identity, event string) {
	ctx := c.Request.Context()
	token, _, err := h.tokens.Issue(ctx, ident.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	h.record(ctx, event, ident.ID, "success")
	c.JSON(status, datatypes.AuthResponse{Identity: ident, Token: token})
}

func (h *AuthHandler) record(ctx context.Context, eventType, identityID, outcome string) {
	err := h.audit.Log(ctx, extensions.AuditEvent{
		EventType:    eventType,
		Timestamp:    time.Now().UTC(),
		UserID:       identityID,
		ResourceType: "identity",
		ResourceID:   identityID,
		Outcome:      outcome,
	})
	if err != nil {
		slog.Warn("Audit log failed", "event", eventType, "error", err)
	}
}
