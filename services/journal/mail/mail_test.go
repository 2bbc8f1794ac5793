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
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogMailer_WritesCode(t *testing.T) {
	var buf bytes.Buffer
	m := NewLogMailer(&buf, "")
	require.NoError(t, m.Send(context.Background(), "a@example.com", "012345"))
	assert.Contains(t, buf.String(), "a@example.com")
	assert.Contains(t, buf.String(), "012345")
	assert.Contains(t, buf.String(), DefaultAppName)
}

func TestLogMailer_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var buf bytes.Buffer
	assert.Error(t, NewLogMailer(&buf, "x").Send(ctx, "a@example.com", "000000"))
	assert.Zero(t, buf.Len())
}

func TestEmailJSMailer_Send(t *testing.T) {
	var got emailJSRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte("OK"))
	}))
	defer srv.Close()

	m, err := NewEmailJSMailer(EmailJSConfig{
		ServiceID: "svc", TemplateID: "tpl", PublicKey: "pub", AppName: "Journal", URL: srv.URL,
	})
	require.NoError(t, err)
	require.NoError(t, m.Send(context.Background(), "user@example.com", "987654"))

	assert.Equal(t, "svc", got.ServiceID)
	assert.Equal(t, "tpl", got.TemplateID)
	assert.Equal(t, "pub", got.UserID)
	assert.Equal(t, "user@example.com", got.TemplateParams["to_email"])
	assert.Equal(t, "987654", got.TemplateParams["passcode"])
	assert.Equal(t, "Journal", got.TemplateParams["app_name"])
	assert.NotEmpty(t, got.TemplateParams["time"])
}

func TestEmailJSMailer_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("The template ID is invalid"))
	}))
	defer srv.Close()

	m, err := NewEmailJSMailer(EmailJSConfig{ServiceID: "s", TemplateID: "t", PublicKey: "p", URL: srv.URL})
	require.NoError(t, err)

	err = m.Send(context.Background(), "user@example.com", "000001")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
}

func TestNewEmailJSMailer_MissingConfig(t *testing.T) {
	_, err := NewEmailJSMailer(EmailJSConfig{ServiceID: "s"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "template id")
	assert.Contains(t, err.Error(), "public key")
}
