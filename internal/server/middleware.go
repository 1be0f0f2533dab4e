package server

import (
	"crypto/subtle"
	"math"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

const headerAdminToken = "X-Admin-Token"

// AdminAuthRequired gates operator endpoints behind ADMIN_TOKEN. With no
// token configured the endpoints stay open outside production only.
func (s *Server) AdminAuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		expected := s.cfg.AdminToken
		if expected == "" {
			if s.cfg.Environment == "production" {
				AbortWithError(c, ErrNotFound)
				return
			}
			c.Next()
			return
		}

		token := strings.TrimSpace(c.GetHeader(headerAdminToken))
		if token == "" {
			token = strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}

// WebhookRateLimit answers 429 with Retry-After once a provider exceeds its
// bucket. Providers redeliver on 429, and the ledger absorbs the duplicate.
func (s *Server) WebhookRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.webhookLimiter.Enabled() {
			c.Next()
			return
		}
		res := s.webhookLimiter.AllowProvider(c.Request.Context(), c.Param("provider"))
		if !res.Allowed {
			seconds := int(math.Ceil(res.RetryAfter.Seconds()))
			if seconds < 1 {
				seconds = 1
			}
			c.Header("Retry-After", strconv.Itoa(seconds))
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}
