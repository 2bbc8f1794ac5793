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
	"net/http"

	"github.com/AleutianAI/AleutianJournal/pkg/extensions"
	"github.com/AleutianAI/AleutianJournal/services/journal/archive"
	"github.com/AleutianAI/AleutianJournal/services/journal/history"
	"github.com/AleutianAI/AleutianJournal/services/journal/middleware"
	"github.com/gin-gonic/gin"
)

// JournalHandler serves archived journals.
type JournalHandler struct {
	journals archive.JournalRepository
	history  *history.Lister
	audit    extensions.AuditLogger
}

// NewJournalHandler creates a JournalHandler.
func NewJournalHandler(journals archive.JournalRepository, lister *history.Lister, audit extensions.AuditLogger) *JournalHandler {
	if audit == nil {
		audit = &extensions.NopAuditLogger{}
	}
	return &JournalHandler{journals: journals, history: lister, audit: audit}
}

// List handles GET /v1/journals.
func (h *JournalHandler) List(c *gin.Context) {
	files, err := h.journals.List(c.Request.Context(), middleware.IdentityID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"journals": files})
}

// History handles GET /v1/journals/history. Unreachable items are left
// out; the response only fails when the store cannot list at all.
func (h *JournalHandler) History(c *gin.Context) {
	entries, err := h.history.List(c.Request.Context(), middleware.IdentityID(c))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "content store unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// Delete handles DELETE /v1/journals/:id. Content already written to the
// content-address store is left in place.
func (h *JournalHandler) Delete(c *gin.Context) {
	identityID, journalID := middleware.IdentityID(c), c.Param("id")
	if err := h.journals.Delete(c.Request.Context(), identityID, journalID); err != nil {
		respondError(c, err)
		return
	}
	auditDeletion(c, h.audit, "journal.deleted", "journal", identityID, journalID)
	c.Status(http.StatusNoContent)
}
