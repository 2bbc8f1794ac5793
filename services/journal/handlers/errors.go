// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the HTTP surface of the journal service.
//
// Handlers are grouped per resource (auth, sessions, chat, journals,
// account). Each group is a struct built from its collaborators; routes
// wires their methods. Every error body is {"error": "..."} and internal
// failures never reach the client.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/AleutianAI/AleutianJournal/services/journal/archive"
	"github.com/AleutianAI/AleutianJournal/services/journal/credentials"
	"github.com/AleutianAI/AleutianJournal/services/journal/datatypes"
	"github.com/AleutianAI/AleutianJournal/services/journal/otp"
	"github.com/AleutianAI/AleutianJournal/services/journal/sessions"
	"github.com/gin-gonic/gin"
)

// genericError is shown for every unexpected failure.
const genericError = "an error occurred while processing your request"

// statusFor maps a domain error to an HTTP status and client message.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, sessions.ErrSessionLocked):
		return http.StatusLocked, sessions.ErrSessionLocked.Error()
	case errors.Is(err, sessions.ErrSessionNotFound):
		return http.StatusNotFound, sessions.ErrSessionNotFound.Error()
	case errors.Is(err, sessions.ErrNoActiveSession):
		return http.StatusNotFound, sessions.ErrNoActiveSession.Error()
	case errors.Is(err, archive.ErrJournalNotFound):
		return http.StatusNotFound, archive.ErrJournalNotFound.Error()
	case errors.Is(err, credentials.ErrNotFound):
		return http.StatusNotFound, credentials.ErrNotFound.Error()
	case errors.Is(err, credentials.ErrAlreadyExists):
		return http.StatusConflict, credentials.ErrAlreadyExists.Error()
	case errors.Is(err, credentials.ErrInvalidCredential):
		return http.StatusUnauthorized, credentials.ErrInvalidCredential.Error()
	case errors.Is(err, otp.ErrInvalidCode):
		return http.StatusUnauthorized, otp.ErrInvalidCode.Error()
	case errors.Is(err, datatypes.ErrNothingToUpdate):
		return http.StatusBadRequest, datatypes.ErrNothingToUpdate.Error()
	default:
		return http.StatusInternalServerError, genericError
	}
}

// respondError writes the mapped status. Unexpected errors are logged with
// the route so the sanitized body can be traced.
func respondError(c *gin.Context, err error) {
	status, msg := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("Request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": msg})
}

// badRequest reports a malformed or invalid body.
func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + datatypes.ValidationMessage(err)})
}
