// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package journal

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianJournal/pkg/extensions"
	"github.com/AleutianAI/AleutianJournal/services/journal/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := New(context.Background(), Config{InMemory: true, GinMode: "test"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func call(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	_, err := New(context.Background(), Config{InMemory: true, AI: AIConfig{Backend: "markov"}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestNew_ServesHealthAndMetrics(t *testing.T) {
	svc := newTestService(t)

	w := call(t, svc.Router(), http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = call(t, svc.Router(), http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

type staticAuth struct{}

func (staticAuth) Validate(ctx context.Context, token string) (*extensions.AuthInfo, error) {
	if token != "service-token" {
		return nil, extensions.ErrUnauthorized
	}
	return &extensions.AuthInfo{UserID: "svc-1", Token: token}, nil
}

func TestNew_KeepsInjectedAuthProvider(t *testing.T) {
	opts := extensions.DefaultOptions().WithAuth(staticAuth{})
	svc, err := New(context.Background(), Config{InMemory: true, GinMode: "test"}, &opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	w := call(t, svc.Router(), http.MethodGet, "/v1/sessions", "service-token", nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = call(t, svc.Router(), http.MethodGet, "/v1/sessions", "other", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestService_LockedSessionIsArchived(t *testing.T) {
	svc := newTestService(t)
	h := svc.Router()

	w := call(t, h, http.MethodPost, "/v1/auth/register", "", datatypes.CredentialsRequest{
		Address: "writer@example.org",
		Secret:  "correct horse",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var auth datatypes.AuthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &auth))

	w = call(t, h, http.MethodPost, "/v1/sessions", auth.Token, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var sess datatypes.ChatSession
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))

	w = call(t, h, http.MethodPost, "/v1/sessions/"+sess.ID+"/messages", auth.Token,
		datatypes.AppendMessageRequest{Content: "Long day, but the walk by the river helped."})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = call(t, h, http.MethodPost, "/v1/sessions/"+sess.ID+"/lock", auth.Token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var listed struct {
		Journals []datatypes.JournalFile `json:"journals"`
	}
	require.Eventually(t, func() bool {
		w := call(t, h, http.MethodGet, "/v1/journals", auth.Token, nil)
		if w.Code != http.StatusOK {
			return false
		}
		return json.Unmarshal(w.Body.Bytes(), &listed) == nil && len(listed.Journals) == 1
	}, 5*time.Second, 20*time.Millisecond)

	journal := listed.Journals[0]
	assert.Equal(t, sess.ID, journal.SessionID)
	assert.True(t, strings.HasPrefix(journal.ContentAddress, "sha256-"), journal.ContentAddress)
	assert.Equal(t, datatypes.NotarizationSkipped, journal.NotarizationRef)

	archived, err := svc.ArchivePending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, archived)
}

func TestService_SweepRunsEverySweeper(t *testing.T) {
	svc := newTestService(t)

	res := svc.Sweep(context.Background())
	assert.Empty(t, res.Errors)
	assert.Contains(t, res.Removed, "otp")
	assert.Contains(t, res.Removed, "tokens")
}

func TestService_CloseIsIdempotent(t *testing.T) {
	svc, err := New(context.Background(), Config{InMemory: true, GinMode: "test"}, nil)
	require.NoError(t, err)
	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())
}
