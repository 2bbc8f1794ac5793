// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// SSE event types.
const (
	EventToken = "token"
	EventDone  = "done"
	EventError = "error"
)

// StreamEvent is one Server-Sent Event of a chat stream.
//
// Id, CreatedAt, Hash and PrevHash are filled in by the writer. Hash is
// the SHA-256 of the event content and PrevHash links to the previous
// event, so a client can check that no event was dropped or reordered.
type StreamEvent struct {
	Id        string   `json:"id"`
	Type      string   `json:"type"`
	CreatedAt int64    `json:"createdAt"`
	Content   string   `json:"content,omitempty"`
	Reply     *Message `json:"reply,omitempty"`
	Error     string   `json:"error,omitempty"`
	SessionId string   `json:"sessionId,omitempty"`
	Hash      string   `json:"hash"`
	PrevHash  string   `json:"prevHash,omitempty"`
}
