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

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Limits
// =============================================================================

const (
	// MaxMessageContentBytes bounds a single user message.
	MaxMessageContentBytes = 16 * 1024

	// MinSecretLength is the shortest accepted credential secret.
	MinSecretLength = 8

	// MaxSecretLength matches bcrypt's 72 byte input limit.
	MaxSecretLength = 72
)

var requestValidate *validator.Validate

func init() {
	requestValidate = validator.New()
	_ = requestValidate.RegisterValidation("maxbytes", validateMaxBytes)
	_ = requestValidate.RegisterValidation("notblank", validateNotBlank)
}

func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

func validateNotBlank(fl validator.FieldLevel) bool {
	return strings.TrimSpace(fl.Field().String()) != ""
}

// ValidationMessage flattens validator errors into one client-safe line.
func ValidationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

// =============================================================================
// Auth
// =============================================================================

// CredentialsRequest is the body of register and login.
type CredentialsRequest struct {
	Address string `json:"address" validate:"required,email,max=254"`
	Secret  string `json:"secret" validate:"required,min=8,max=72"`
}

// Validate checks field constraints.
func (r *CredentialsRequest) Validate() error {
	r.Address = strings.TrimSpace(r.Address)
	return requestValidate.Struct(r)
}

// AuthResponse is returned by register, login and credential updates.
type AuthResponse struct {
	Identity Identity `json:"identity"`
	Token    string   `json:"token"`
}

// CredentialUpdateRequest carries a verified OTP plus the new credentials.
// At least one of NewAddress and NewSecret must be present.
type CredentialUpdateRequest struct {
	Code       string  `json:"code" validate:"required,numeric,len=6"`
	NewAddress *string `json:"newAddress,omitempty" validate:"omitempty,email,max=254"`
	NewSecret  *string `json:"newSecret,omitempty" validate:"omitempty,min=8,max=72"`
}

// ErrNothingToUpdate is returned when neither field is set.
var ErrNothingToUpdate = errors.New("newAddress or newSecret is required")

// Validate checks field constraints.
func (r *CredentialUpdateRequest) Validate() error {
	if r.NewAddress != nil {
		trimmed := strings.TrimSpace(*r.NewAddress)
		r.NewAddress = &trimmed
	}
	if err := requestValidate.Struct(r); err != nil {
		return err
	}
	if r.NewAddress == nil && r.NewSecret == nil {
		return ErrNothingToUpdate
	}
	return nil
}

// ChallengeResponse reports an issued OTP challenge. The code itself is
// never returned.
type ChallengeResponse struct {
	ExpiresAt int64  `json:"expiresAt"`
	Delivered bool   `json:"delivered"`
	Warning   string `json:"warning,omitempty"`
}

// =============================================================================
// Sessions
// =============================================================================

// AppendMessageRequest appends a user message without an assistant reply.
type AppendMessageRequest struct {
	Content string `json:"content" validate:"required,notblank,maxbytes"`
}

// Validate checks field constraints.
func (r *AppendMessageRequest) Validate() error {
	return requestValidate.Struct(r)
}

// ChatRequest sends a user message and streams the assistant reply.
type ChatRequest struct {
	Message string `json:"message" validate:"required,notblank,maxbytes"`
}

// Validate checks field constraints.
func (r *ChatRequest) Validate() error {
	return requestValidate.Struct(r)
}

// ChatFrame is one websocket frame. Clients send {"message": ...}; the
// server answers with token frames followed by a done or error frame.
type ChatFrame struct {
	Type    string   `json:"type"`
	Message string   `json:"message,omitempty"`
	Content string   `json:"content,omitempty"`
	Reply   *Message `json:"reply,omitempty"`
	Error   string   `json:"error,omitempty"`
}

const (
	FrameToken = "token"
	FrameDone  = "done"
	FrameError = "error"
)
