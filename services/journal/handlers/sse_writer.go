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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianJournal/services/journal/datatypes"
	"github.com/google/uuid"
)

// SSEWriter writes chat stream events to an HTTP response.
//
// # Description
//
// Each event is written as
//
//	event: {type}
//	data: {json}
//
// and flushed immediately. Every event gets a uuid, a millisecond
// timestamp, a SHA-256 hash of its content and the hash of the previous
// event.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; the keepalive ticker
// writes from its own goroutine.
type SSEWriter interface {
	// WriteEvent fills in the metadata of event and writes it.
	WriteEvent(event datatypes.StreamEvent) error

	// WriteToken forwards one reply chunk.
	WriteToken(content string) error

	// WriteError reports a failure. errMsg must already be sanitized.
	WriteError(errMsg string) error

	// WriteDone closes the exchange with the stored assistant message.
	WriteDone(sessionID string, reply datatypes.Message) error

	// WriteKeepAlive sends an SSE comment. It does not extend the hash
	// chain.
	WriteKeepAlive() error
}

type sseWriter struct {
	writer   http.ResponseWriter
	flusher  http.Flusher
	prevHash string
	mu       sync.Mutex
}

var _ SSEWriter = (*sseWriter)(nil)

// NewSSEWriter wraps w. It fails when w cannot flush.
//
// # Examples
//
//	SetSSEHeaders(w)
//	writer, err := NewSSEWriter(w)
//	if err != nil {
//	    http.Error(w, "Streaming not supported", http.StatusInternalServerError)
//	    return
//	}
//	writer.WriteToken("Hello")
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

func (w *sseWriter) WriteEvent(event datatypes.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	event.Id = uuid.New().String()
	event.CreatedAt = time.Now().UnixMilli()
	event.PrevHash = w.prevHash
	event.Hash = computeEventHash(event)
	w.prevHash = event.Hash

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// computeEventHash hashes every content field of event. Hash must be empty.
func computeEventHash(event datatypes.StreamEvent) string {
	reply := ""
	if event.Reply != nil {
		if data, err := json.Marshal(event.Reply); err == nil {
			reply = string(data)
		}
	}
	hashInput := fmt.Sprintf("%s|%s|%d|%s|%s|%s|%s|%s",
		event.Id,
		event.Type,
		event.CreatedAt,
		event.PrevHash,
		event.Content,
		event.Error,
		event.SessionId,
		reply,
	)
	sum := sha256.Sum256([]byte(hashInput))
	return hex.EncodeToString(sum[:])
}

func (w *sseWriter) WriteToken(content string) error {
	return w.WriteEvent(datatypes.StreamEvent{Type: datatypes.EventToken, Content: content})
}

func (w *sseWriter) WriteError(errMsg string) error {
	return w.WriteEvent(datatypes.StreamEvent{Type: datatypes.EventError, Error: errMsg})
}

func (w *sseWriter) WriteDone(sessionID string, reply datatypes.Message) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:      datatypes.EventDone,
		SessionId: sessionID,
		Reply:     &reply,
	})
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// SetSSEHeaders sets the Server-Sent Events headers. Call before the first
// write. X-Accel-Buffering disables nginx buffering.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}
