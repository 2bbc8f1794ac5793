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
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/AleutianJournal/pkg/extensions"
	"github.com/AleutianAI/AleutianJournal/services/journal/credentials"
	"github.com/AleutianAI/AleutianJournal/services/journal/datatypes"
	"github.com/AleutianAI/AleutianJournal/services/journal/middleware"
	"github.com/AleutianAI/AleutianJournal/services/journal/otp"
	"github.com/gin-gonic/gin"
)

// AccountHandler serves the OTP-guarded credential change.
type AccountHandler struct {
	otp     *otp.Service
	backend credentials.Backend
	tokens  *credentials.TokenStore
	audit   extensions.AuditLogger
}

// NewAccountHandler creates an AccountHandler.
func NewAccountHandler(otpService *otp.Service, backend credentials.Backend, tokens *credentials.TokenStore, audit extensions.AuditLogger) *AccountHandler {
	if audit == nil {
		audit = &extensions.NopAuditLogger{}
	}
	return &AccountHandler{otp: otpService, backend: backend, tokens: tokens, audit: audit}
}

// RequestChallenge handles POST /v1/account/otp. The code is mailed to the
// identity's current address. A failed delivery still answers 202 with
// delivered=false, since the issued code stays valid.
func (h *AccountHandler) RequestChallenge(c *gin.Context) {
	ctx := c.Request.Context()
	ident, err := h.backend.Get(ctx, middleware.IdentityID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	receipt, err := h.otp.RequestChallenge(ctx, ident.ID, ident.Address)
	if err != nil {
		respondError(c, err)
		return
	}
	h.record(c, "otp.issued", ident.ID, "success")
	c.JSON(http.StatusAccepted, datatypes.ChallengeResponse{
		ExpiresAt: receipt.ExpiresAt.UnixMilli(),
		Delivered: receipt.Delivered,
		Warning:   receipt.Warning,
	})
}

// UpdateCredentials handles POST /v1/account/credentials.
//
// # Description
//
// A new address already owned by another identity is rejected with 409
// before the code is checked, so the code stays usable. Otherwise the code
// is verified and the address and/or secret change is applied in one
// transaction. Every token of the identity is revoked and a new one issued.
// The response carries the re-derived identity record, which callers use
// from then on.
func (h *AccountHandler) UpdateCredentials(c *gin.Context) {
	var req datatypes.CredentialUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := req.Validate(); err != nil {
		if errors.Is(err, datatypes.ErrNothingToUpdate) {
			respondError(c, err)
			return
		}
		badRequest(c, err)
		return
	}

	ctx := c.Request.Context()
	identityID := middleware.IdentityID(c)
	if req.NewAddress != nil {
		available, err := h.backend.AddressAvailable(ctx, identityID, *req.NewAddress)
		if err != nil {
			respondError(c, err)
			return
		}
		if !available {
			h.record(c, "credentials.updated", identityID, "failure")
			respondError(c, credentials.ErrAlreadyExists)
			return
		}
	}
	if err := h.otp.Verify(ctx, identityID, req.Code); err != nil {
		h.record(c, "otp.rejected", identityID, "failure")
		respondError(c, err)
		return
	}

	ident, err := h.backend.Update(ctx, identityID, req.NewAddress, req.NewSecret)
	if err != nil {
		h.record(c, "credentials.updated", identityID, "failure")
		respondError(c, err)
		return
	}

	revoked, err := h.tokens.RevokeAll(ctx, identityID)
	if err != nil {
		respondError(c, err)
		return
	}
	token, _, err := h.tokens.Issue(ctx, identityID)
	if err != nil {
		respondError(c, err)
		return
	}
	h.record(c, "otp.verified", identityID, "success")
	h.record(c, "credentials.updated", identityID, "success")
	slog.Info("Credentials changed", "identity_id", identityID, "tokens_revoked", revoked)
	c.JSON(http.StatusOK, datatypes.AuthResponse{Identity: ident, Token: token})
}

func (h *AccountHandler) record(c *gin.Context, eventType, identityID, outcome string) {
	err := h.audit.Log(c.Request.Context(), extensions.AuditEvent{
		EventType:    eventType,
		Timestamp:    time.Now().UTC(),
		UserID:       identityID,
		ResourceType: "identity",
		ResourceID:   identityID,
		Outcome:      outcome,
		Metadata:     extensions.NewMetadata().Set("ip_address", c.ClientIP()),
	})
	if err != nil {
		slog.Warn("Audit log failed", "event", eventType, "error", err)
	}
}
