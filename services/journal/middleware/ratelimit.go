// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// RateLimitConfig configures RateLimit.
//
// # Fields
//
//   - Every: Interval at which one token is refilled. Default 6s (10/min).
//   - Burst: Bucket size. Default 5.
//   - MaxClients: Number of per-client limiters kept. Default 10000.
type RateLimitConfig struct {
	Every      time.Duration
	Burst      int
	MaxClients int
}

// RateLimiter holds one token bucket per client key.
//
// # Description
//
// Clients are keyed by the authenticated identity when there is one and by
// gin's ClientIP otherwise. Limiters live in an LRU so memory stays bounded
// under address churn; an evicted client starts again with a full bucket.
//
// # Thread Safety
//
// Safe for concurrent use.
type RateLimiter struct {
	cfg      RateLimitConfig
	mu       sync.Mutex
	limiters *lru.Cache[string, *rate.Limiter]
}

// NewRateLimiter creates a RateLimiter.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.Every <= 0 {
		cfg.Every = 6 * time.Second
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = 10000
	}
	cache, _ := lru.New[string, *rate.Limiter](cfg.MaxClients)
	return &RateLimiter{cfg: cfg, limiters: cache}
}

func (r *RateLimiter) limiter(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters.Get(key); ok {
		return l
	}
	l := rate.NewLimiter(rate.Every(r.cfg.Every), r.cfg.Burst)
	r.limiters.Add(key, l)
	return l
}

// Middleware returns the gin handler. Rejected requests get 429 with a
// Retry-After header in whole seconds.
func (r *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := IdentityID(c)
		if key == "" {
			key = "ip:" + c.ClientIP()
		}

		res := r.limiter(key).Reserve()
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "too many requests",
			})
			return
		}
		c.Next()
	}
}

// RateLimit is shorthand for NewRateLimiter(cfg).Middleware().
func RateLimit(cfg RateLimitConfig) gin.HandlerFunc {
	return NewRateLimiter(cfg).Middleware()
}
