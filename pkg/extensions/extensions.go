// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines the pluggable security seams of the journal
// service.
//
// The service authenticates bearer tokens through an AuthProvider and
// records security-relevant events through an AuditLogger. The built-in
// implementations live next to the features they serve (the credential
// backend implements AuthProvider); deployments can inject their own via
// ServiceOptions.
//
//   - auth.go: AuthInfo, AuthProvider
//   - audit.go: AuditEvent, AuditLogger, NopAuditLogger, SlogAuditLogger
//   - metadata.go: Metadata
//
// # Thread Safety
//
// All interface implementations must be safe for concurrent use.
package extensions

// ServiceOptions groups the extension points passed to the service.
//
// A nil AuditLogger is replaced with NopAuditLogger by DefaultOptions and
// by the service constructor. AuthProvider has no default; the service
// wires its credential backend when it is nil.
type ServiceOptions struct {
	AuthProvider AuthProvider
	AuditLogger  AuditLogger
}

// DefaultOptions returns options with a discarding audit logger.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuditLogger: &NopAuditLogger{},
	}
}

// WithAuth returns a copy of opts with the given AuthProvider.
func (opts ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	opts.AuthProvider = provider
	return opts
}

// WithAudit returns a copy of opts with the given AuditLogger.
func (opts ServiceOptions) WithAudit(logger AuditLogger) ServiceOptions {
	opts.AuditLogger = logger
	return opts
}
