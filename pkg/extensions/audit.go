// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"log/slog"
	"time"
)

// AuditEvent is a security-relevant event.
//
// Event types used by the journal service:
//   - "auth.register", "auth.login", "auth.logout", "auth.failed"
//   - "otp.issued", "otp.verified", "otp.rejected"
//   - "credentials.updated"
//   - "journal.deleted", "session.deleted"
//
// Events never carry message content, codes, secrets or tokens.
type AuditEvent struct {
	// EventType is "category.action".
	EventType string

	// Timestamp is filled in with time.Now().UTC() when zero.
	Timestamp time.Time

	// UserID is the stable identity id, or "anonymous".
	UserID string

	// ResourceType and ResourceID name the object acted on, if any.
	ResourceType string
	ResourceID   string

	// Outcome is "success", "failure" or "error".
	Outcome string

	// Metadata holds event-specific detail such as "ip_address".
	Metadata Metadata
}

// AuditLogger records audit events.
type AuditLogger interface {
	// Log records one event. Implementations should return quickly.
	Log(ctx context.Context, event AuditEvent) error

	// Flush persists buffered events. Called on shutdown.
	Flush(ctx context.Context) error
}

// NopAuditLogger discards all events.
type NopAuditLogger struct{}

// Log discards the event.
func (l *NopAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	return nil
}

// Flush is a no-op.
func (l *NopAuditLogger) Flush(ctx context.Context) error {
	return nil
}

// SlogAuditLogger writes events as structured log records.
//
// Records go to Logger, or slog.Default() when Logger is nil, at Info for
// successes and Warn otherwise, with the message "audit".
type SlogAuditLogger struct {
	Logger *slog.Logger
}

// Log writes one record.
func (l *SlogAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	level := slog.LevelInfo
	if event.Outcome != "success" {
		level = slog.LevelWarn
	}
	args := []any{
		"event", event.EventType,
		"user_id", event.UserID,
		"outcome", event.Outcome,
		"at", event.Timestamp,
	}
	if event.ResourceType != "" {
		args = append(args, "resource_type", event.ResourceType, "resource_id", event.ResourceID)
	}
	args = append(args, event.Metadata.Attrs()...)
	logger.Log(ctx, level, "audit", args...)
	return nil
}

// Flush is a no-op; slog handlers write synchronously.
func (l *SlogAuditLogger) Flush(ctx context.Context) error {
	return nil
}

// Compile-time interface compliance checks.
var (
	_ AuditLogger = (*NopAuditLogger)(nil)
	_ AuditLogger = (*SlogAuditLogger)(nil)
)
