// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

// Metadata stores arbitrary key-value pairs attached to auth results and
// audit events.
//
// Metadata is NOT thread-safe. Do not share a single instance across
// goroutines without external synchronization.
//
//	meta := extensions.NewMetadata().
//	    Set("session_id", sessionID).
//	    Set("stage", "classify")
type Metadata map[string]any

// NewMetadata creates an empty Metadata instance.
func NewMetadata() Metadata {
	return make(Metadata)
}

// Set adds or updates a key-value pair and returns the Metadata for chaining.
func (m Metadata) Set(key string, value any) Metadata {
	m[key] = value
	return m
}

// Attrs flattens the metadata into slog-style key/value pairs.
func (m Metadata) Attrs() []any {
	out := make([]any, 0, len(m)*2)
	for k, v := range m {
		out = append(out, k, v)
	}
	return out
}
