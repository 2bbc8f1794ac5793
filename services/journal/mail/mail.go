// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mail delivers one-time codes.
package mail

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// DefaultAppName appears in outgoing messages.
const DefaultAppName = "Aleutian Journal"

// Mailer delivers a one-time code to an address. A nil error means the
// provider accepted the message.
type Mailer interface {
	Send(ctx context.Context, address, code string) error
}

// LogMailer writes codes to a writer instead of sending them. It is meant
// for local development where the operator reads the code off the console.
type LogMailer struct {
	mu      sync.Mutex
	w       io.Writer
	appName string
	clock   func() time.Time
}

var _ Mailer = (*LogMailer)(nil)

// NewLogMailer returns a LogMailer writing to w.
func NewLogMailer(w io.Writer, appName string) *LogMailer {
	if appName == "" {
		appName = DefaultAppName
	}
	return &LogMailer{w: w, appName: appName, clock: time.Now}
}

// Send writes one line per code.
func (m *LogMailer) Send(ctx context.Context, address, code string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := fmt.Fprintf(m.w, "[%s] %s verification code for %s: %s (valid for 10 minutes)\n",
		m.clock().Format(time.RFC3339), m.appName, address, code)
	return err
}
