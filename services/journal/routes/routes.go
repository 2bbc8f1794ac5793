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
	"github.com/AleutianAI/AleutianJournal/pkg/extensions"
	"github.com/AleutianAI/AleutianJournal/services/journal/handlers"
	"github.com/AleutianAI/AleutianJournal/services/journal/middleware"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handlers groups the route handlers.
type Handlers struct {
	Auth     *handlers.AuthHandler
	Account  *handlers.AccountHandler
	Sessions *handlers.SessionHandler
	Chat     *handlers.ChatHandler
	Journals *handlers.JournalHandler
}

// Options configures SetupRoutes.
//
// # Fields
//
//   - Auth: Validates bearer tokens on every /v1 route except register
//     and login. Required.
//   - Gatherer: Source for /metrics. Default prometheus.DefaultGatherer.
//   - AuthRateLimit: Limits register and login per client IP.
//   - OTPRateLimit: Limits challenge and credential requests per identity.
type Options struct {
	Auth          extensions.AuthProvider
	Gatherer      prometheus.Gatherer
	AuthRateLimit middleware.RateLimitConfig
	OTPRateLimit  middleware.RateLimitConfig
}

// SetupRoutes registers the HTTP surface on router.
func SetupRoutes(router *gin.Engine, h Handlers, opts Options) {
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := router.Group("/v1")
	{
		public := v1.Group("/auth", middleware.RateLimit(opts.AuthRateLimit))
		{
			public.POST("/register", h.Auth.Register)
			public.POST("/login", h.Auth.Login)
		}

		authed := v1.Group("", middleware.AuthMiddleware(opts.Auth))
		authed.POST("/auth/logout", h.Auth.Logout)

		account := authed.Group("/account", middleware.RateLimit(opts.OTPRateLimit))
		{
			account.POST("/otp", h.Account.RequestChallenge)
			account.POST("/credentials", h.Account.UpdateCredentials)
		}

		sessions := authed.Group("/sessions")
		{
			sessions.GET("", h.Sessions.List)
			sessions.POST("", h.Sessions.Create)
			sessions.GET("/active", h.Sessions.Active)
			sessions.GET("/:id", h.Sessions.Get)
			sessions.DELETE("/:id", h.Sessions.Delete)
			sessions.POST("/:id/activate", h.Sessions.Activate)
			sessions.POST("/:id/lock", h.Sessions.Lock)
			sessions.POST("/:id/messages", h.Sessions.AppendMessage)
			sessions.POST("/:id/chat", h.Chat.Stream)
			sessions.GET("/:id/chat/ws", h.Chat.WebSocket)
		}

		journals := authed.Group("/journals")
		{
			journals.GET("", h.Journals.List)
			journals.GET("/history", h.Journals.History)
			journals.DELETE("/:id", h.Journals.Delete)
		}
	}
}
