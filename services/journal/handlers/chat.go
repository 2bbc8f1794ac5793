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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianJournal/services/journal/ai"
	"github.com/AleutianAI/AleutianJournal/services/journal/datatypes"
	"github.com/AleutianAI/AleutianJournal/services/journal/middleware"
	"github.com/AleutianAI/AleutianJournal/services/journal/observability"
	"github.com/AleutianAI/AleutianJournal/services/journal/sessions"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// DefaultKeepAlive is the SSE comment interval. Load balancers commonly
// drop idle connections after 60s.
const DefaultKeepAlive = 15 * time.Second

// errClientGone marks a failed write to the client.
var errClientGone = errors.New("client disconnected")

// chatFailure is shown when the reply could not be produced.
const chatFailure = "the assistant could not reply, please try again"

// ChatConfig configures ChatHandler.
//
// # Fields
//
//   - Store: Session store. Required.
//   - Chatter: AI reply source. Required.
//   - Metrics: Optional.
//   - NewBuffer: Reply buffer factory. Default NewReplyBuffer.
//   - KeepAlive: SSE comment interval. Default DefaultKeepAlive.
//   - AllowedOrigins: Websocket origins. Empty allows any origin.
type ChatConfig struct {
	Store          sessions.Store
	Chatter        ai.Chatter
	Metrics        *observability.Metrics
	NewBuffer      func() (ReplyBuffer, error)
	KeepAlive      time.Duration
	AllowedOrigins []string
}

// ChatHandler streams assistant replies over SSE and websocket.
//
// # Description
//
// One exchange appends the user message, streams the reply chunk by chunk,
// and appends the concatenated reply as the assistant message. If the
// stream fails, the user message stays and nothing partial is stored.
type ChatHandler struct {
	cfg      ChatConfig
	upgrader websocket.Upgrader
}

// NewChatHandler creates a ChatHandler.
func NewChatHandler(cfg ChatConfig) *ChatHandler {
	if cfg.NewBuffer == nil {
		cfg.NewBuffer = NewReplyBuffer
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	h := &ChatHandler{cfg: cfg}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *ChatHandler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(h.cfg.AllowedOrigins, r.Header.Get("Origin"))
}

// =============================================================================
// SSE
// =============================================================================

// Stream handles POST /v1/sessions/:id/chat.
//
// # Description
//
// Errors detected before the reply starts (unknown or locked session, bad
// body) are plain JSON responses with their mapped status. Once streaming
// begins the response is text/event-stream with token events and a final
// done or error event.
func (h *ChatHandler) Stream(c *gin.Context) {
	start := time.Now()
	var req datatypes.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := req.Validate(); err != nil {
		badRequest(c, err)
		return
	}

	ctx := c.Request.Context()
	identityID, sessionID := middleware.IdentityID(c), c.Param("id")
	history, err := h.begin(ctx, identityID, sessionID, req.Message)
	if err != nil {
		respondError(c, err)
		return
	}

	SetSSEHeaders(c.Writer)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	m := h.cfg.Metrics
	m.StreamStarted(observability.EndpointSSE)
	success := false
	defer func() {
		m.StreamEnded(observability.EndpointSSE, time.Since(start).Seconds(), success)
	}()

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.keepAlive(ctx, writer, done)
	}()
	defer func() {
		close(done)
		wg.Wait()
	}()

	reply, err := h.relay(ctx, observability.EndpointSSE, identityID, sessionID, req.Message, history, writer.WriteToken)
	if err != nil {
		if h.clientGone(observability.EndpointSSE, sessionID, err) {
			return
		}
		_ = writer.WriteError(chatFailure)
		return
	}
	if err := writer.WriteDone(sessionID, reply); err != nil {
		h.clientGone(observability.EndpointSSE, sessionID, fmt.Errorf("%w: %v", errClientGone, err))
		return
	}
	success = true
}

func (h *ChatHandler) keepAlive(ctx context.Context, writer SSEWriter, done <-chan struct{}) {
	ticker := time.NewTicker(h.cfg.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				slog.Debug("Failed to write keepalive", "error", err)
				return
			}
		}
	}
}

// =============================================================================
// WebSocket
// =============================================================================

// WebSocket handles GET /v1/sessions/:id/chat/ws. Each inbound
// {"message": ...} frame runs one exchange on the session.
func (h *ChatHandler) WebSocket(c *gin.Context) {
	identityID, sessionID := middleware.IdentityID(c), c.Param("id")

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("Websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()
	ws.SetReadLimit(2 * datatypes.MaxMessageContentBytes)
	slog.Info("Websocket chat connected", "session_id", sessionID)

	ctx := c.Request.Context()
	for {
		var frame datatypes.ChatFrame
		if err := ws.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Info("Websocket chat closed", "session_id", sessionID, "error", err)
			}
			return
		}
		req := datatypes.ChatRequest{Message: frame.Message}
		if err := req.Validate(); err != nil {
			if writeFrame(ws, datatypes.ChatFrame{Type: datatypes.FrameError, Error: "invalid request: " + datatypes.ValidationMessage(err)}) != nil {
				return
			}
			continue
		}
		if !h.wsExchange(ctx, ws, identityID, sessionID, req.Message) {
			return
		}
	}
}

// wsExchange runs one exchange. It returns false when the connection is
// no longer usable.
func (h *ChatHandler) wsExchange(ctx context.Context, ws *websocket.Conn, identityID, sessionID, message string) bool {
	start := time.Now()
	history, err := h.begin(ctx, identityID, sessionID, message)
	if err != nil {
		_, msg := statusFor(err)
		return writeFrame(ws, datatypes.ChatFrame{Type: datatypes.FrameError, Error: msg}) == nil
	}

	m := h.cfg.Metrics
	m.StreamStarted(observability.EndpointWebSocket)
	success := false
	defer func() {
		m.StreamEnded(observability.EndpointWebSocket, time.Since(start).Seconds(), success)
	}()

	emit := func(chunk string) error {
		return writeFrame(ws, datatypes.ChatFrame{Type: datatypes.FrameToken, Content: chunk})
	}
	reply, err := h.relay(ctx, observability.EndpointWebSocket, identityID, sessionID, message, history, emit)
	if err != nil {
		if h.clientGone(observability.EndpointWebSocket, sessionID, err) {
			return false
		}
		return writeFrame(ws, datatypes.ChatFrame{Type: datatypes.FrameError, Error: chatFailure}) == nil
	}
	if err := writeFrame(ws, datatypes.ChatFrame{Type: datatypes.FrameDone, Reply: &reply}); err != nil {
		return false
	}
	success = true
	return true
}

func writeFrame(ws *websocket.Conn, frame datatypes.ChatFrame) error {
	if err := ws.WriteJSON(frame); err != nil {
		slog.Debug("Failed to write websocket frame", "type", frame.Type, "error", err)
		return err
	}
	return nil
}

// =============================================================================
// Exchange
// =============================================================================

// begin appends the user message and returns the history that preceded it.
func (h *ChatHandler) begin(ctx context.Context, identityID, sessionID, message string) ([]datatypes.Message, error) {
	sess, err := h.cfg.Store.Get(ctx, identityID, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Locked {
		return nil, sessions.ErrSessionLocked
	}
	if _, err := h.cfg.Store.Append(ctx, identityID, sessionID, datatypes.RoleUser, message); err != nil {
		return nil, err
	}
	return sess.Messages, nil
}

// relay streams the reply through emit and stores it. An emit failure is
// returned wrapped in errClientGone.
func (h *ChatHandler) relay(
	ctx context.Context,
	endpoint observability.Endpoint,
	identityID, sessionID, message string,
	history []datatypes.Message,
	emit func(chunk string) error,
) (datatypes.Message, error) {
	buf, err := h.cfg.NewBuffer()
	if err != nil {
		return datatypes.Message{}, fmt.Errorf("reply buffer: %w", err)
	}
	defer buf.Destroy()

	stream, err := h.cfg.Chatter.StreamChat(ctx, message, history)
	if err != nil {
		slog.Warn("Chat stream failed to start", "session_id", sessionID, "error", err)
		return datatypes.Message{}, err
	}
	defer stream.Close()

	chunks := 0
	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			slog.Warn("Chat stream failed", "session_id", sessionID, "chunks", chunks, "error", err)
			return datatypes.Message{}, err
		}
		if err := buf.Write(chunk); err != nil {
			return datatypes.Message{}, err
		}
		chunks++
		h.cfg.Metrics.RecordChunk(endpoint)
		if err := emit(chunk); err != nil {
			return datatypes.Message{}, fmt.Errorf("%w: %v", errClientGone, err)
		}
	}

	reply, _, err := buf.Finalize()
	if err != nil {
		return datatypes.Message{}, err
	}
	if strings.TrimSpace(reply) == "" {
		return datatypes.Message{}, ai.ErrEmptyResponse
	}
	msg, err := h.cfg.Store.Append(ctx, identityID, sessionID, datatypes.RoleAssistant, reply)
	if err != nil {
		return datatypes.Message{}, err
	}
	slog.Info("Chat exchange stored", "session_id", sessionID, "chunks", chunks, "reply_length", len(reply))
	return msg, nil
}

// clientGone reports whether err means the client went away, recording it.
func (h *ChatHandler) clientGone(endpoint observability.Endpoint, sessionID string, err error) bool {
	if !errors.Is(err, errClientGone) && !errors.Is(err, context.Canceled) {
		return false
	}
	h.cfg.Metrics.RecordClientDisconnect(endpoint)
	slog.Info("Chat client disconnected", "session_id", sessionID)
	return true
}
