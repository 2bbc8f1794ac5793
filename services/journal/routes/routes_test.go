// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianJournal/pkg/extensions"
	"github.com/AleutianAI/AleutianJournal/services/journal/handlers"
	"github.com/AleutianAI/AleutianJournal/services/journal/middleware"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// rejectAll refuses every token.
type rejectAll struct{}

func (rejectAll) Validate(_ context.Context, _ string) (*extensions.AuthInfo, error) {
	return nil, extensions.ErrUnauthorized
}

func newRouter(opts Options) *gin.Engine {
	if opts.Auth == nil {
		opts.Auth = rejectAll{}
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.NewRegistry()
	}
	router := gin.New()
	SetupRoutes(router, Handlers{
		Auth:     handlers.NewAuthHandler(nil, nil, nil),
		Account:  handlers.NewAccountHandler(nil, nil, nil, nil),
		Sessions: handlers.NewSessionHandler(nil, nil),
		Chat:     handlers.NewChatHandler(handlers.ChatConfig{}),
		Journals: handlers.NewJournalHandler(nil, nil, nil),
	}, opts)
	return router
}

func TestSetupRoutes_RegistersSurface(t *testing.T) {
	router := newRouter(Options{})

	expected := []struct {
		method string
		path   string
	}{
		{"GET", "/health"},
		{"GET", "/metrics"},
		{"POST", "/v1/auth/register"},
		{"POST", "/v1/auth/login"},
		{"POST", "/v1/auth/logout"},
		{"POST", "/v1/account/otp"},
		{"POST", "/v1/account/credentials"},
		{"GET", "/v1/sessions"},
		{"POST", "/v1/sessions"},
		{"GET", "/v1/sessions/active"},
		{"GET", "/v1/sessions/:id"},
		{"DELETE", "/v1/sessions/:id"},
		{"POST", "/v1/sessions/:id/activate"},
		{"POST", "/v1/sessions/:id/lock"},
		{"POST", "/v1/sessions/:id/messages"},
		{"POST", "/v1/sessions/:id/chat"},
		{"GET", "/v1/sessions/:id/chat/ws"},
		{"GET", "/v1/journals"},
		{"GET", "/v1/journals/history"},
		{"DELETE", "/v1/journals/:id"},
	}

	routes := router.Routes()
	for _, want := range expected {
		found := false
		for _, r := range routes {
			if r.Method == want.method && r.Path == want.path {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("Expected route %s %s not found", want.method, want.path)
		}
	}
	if len(routes) != len(expected) {
		t.Errorf("Registered %d routes, want %d", len(routes), len(expected))
	}
}

func TestSetupRoutes_HealthEndpoint(t *testing.T) {
	router := newRouter(Options{})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/health", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Health endpoint returned %d, want %d", w.Code, http.StatusOK)
	}
}

func TestSetupRoutes_MetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "journal_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()
	router := newRouter(Options{Gatherer: reg})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/metrics", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Metrics endpoint returned %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), "journal_test_total 1") {
		t.Errorf("Metrics body missing counter: %s", w.Body.String())
	}
}

func TestSetupRoutes_ProtectedRoutesRequireToken(t *testing.T) {
	router := newRouter(Options{})

	protected := []struct {
		method string
		path   string
	}{
		{"GET", "/v1/sessions"},
		{"POST", "/v1/sessions/abc/chat"},
		{"GET", "/v1/journals/history"},
		{"POST", "/v1/account/otp"},
		{"POST", "/v1/auth/logout"},
	}
	for _, p := range protected {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(p.method, p.path, nil)
		req.Header.Set("Authorization", "Bearer stale")
		router.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s returned %d, want %d", p.method, p.path, w.Code, http.StatusUnauthorized)
		}
	}
}

func TestSetupRoutes_AuthRoutesAreRateLimited(t *testing.T) {
	router := newRouter(Options{
		AuthRateLimit: middleware.RateLimitConfig{Every: time.Hour, Burst: 1},
	})

	send := func() int {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("POST", "/v1/auth/login", strings.NewReader("{"))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(w, req)
		return w.Code
	}

	if code := send(); code != http.StatusBadRequest {
		t.Fatalf("First request returned %d, want %d", code, http.StatusBadRequest)
	}
	if code := send(); code != http.StatusTooManyRequests {
		t.Errorf("Second request returned %d, want %d", code, http.StatusTooManyRequests)
	}
}
