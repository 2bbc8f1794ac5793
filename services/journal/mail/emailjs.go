// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultEmailJSURL is the EmailJS send endpoint.
const DefaultEmailJSURL = "https://api.emailjs.com/api/v1.0/email/send"

// EmailJSConfig configures EmailJSMailer.
//
// # Fields
//
//   - ServiceID, TemplateID, PublicKey: EmailJS account values. Required.
//   - PrivateKey: Optional access token for server-side sends.
//   - AppName: Template app_name. Default DefaultAppName.
//   - URL: Default DefaultEmailJSURL.
//   - HTTPClient: Default has a 15s timeout.
type EmailJSConfig struct {
	ServiceID  string
	TemplateID string
	PublicKey  string
	PrivateKey string
	AppName    string
	URL        string
	HTTPClient *http.Client
}

// EmailJSMailer sends codes through an EmailJS template.
//
// The template receives to_email, passcode, app_name and time, where time
// is the human readable expiry of the code.
type EmailJSMailer struct {
	cfg   EmailJSConfig
	clock func() time.Time
}

var _ Mailer = (*EmailJSMailer)(nil)

// NewEmailJSMailer validates cfg.
func NewEmailJSMailer(cfg EmailJSConfig) (*EmailJSMailer, error) {
	var missing []string
	if cfg.ServiceID == "" {
		missing = append(missing, "service id")
	}
	if cfg.TemplateID == "" {
		missing = append(missing, "template id")
	}
	if cfg.PublicKey == "" {
		missing = append(missing, "public key")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("emailjs: missing %s", strings.Join(missing, ", "))
	}
	if cfg.AppName == "" {
		cfg.AppName = DefaultAppName
	}
	if cfg.URL == "" {
		cfg.URL = DefaultEmailJSURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &EmailJSMailer{cfg: cfg, clock: time.Now}, nil
}

type emailJSRequest struct {
	ServiceID      string            `json:"service_id"`
	TemplateID     string            `json:"template_id"`
	UserID         string            `json:"user_id"`
	AccessToken    string            `json:"accessToken,omitempty"`
	TemplateParams map[string]string `json:"template_params"`
}

// Send posts the template request. Any non-2xx response is an error.
func (m *EmailJSMailer) Send(ctx context.Context, address, code string) error {
	if address == "" {
		return errors.New("emailjs: address is required")
	}
	body, err := json.Marshal(emailJSRequest{
		ServiceID:   m.cfg.ServiceID,
		TemplateID:  m.cfg.TemplateID,
		UserID:      m.cfg.PublicKey,
		AccessToken: m.cfg.PrivateKey,
		TemplateParams: map[string]string{
			"to_email": address,
			"passcode": code,
			"app_name": m.cfg.AppName,
			"time":     m.clock().Add(10 * time.Minute).Format("15:04 MST"),
		},
	})
	if err != nil {
		return fmt.Errorf("emailjs: encode: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("emailjs: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("emailjs: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("emailjs: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}
