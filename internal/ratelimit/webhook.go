package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/payrail/internal/config"
	"go.uber.org/zap"
)

const keyWebhookProvider = "ratelimit:webhook:%s"

// WebhookLimiter throttles intake per provider so a replay storm from one
// provider cannot starve the database for the others. It is shared through
// redis; without redis it allows everything.
type WebhookLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
	log    *zap.Logger
}

func NewWebhookLimiter(client *redis.Client, cfg config.Config, log *zap.Logger) *WebhookLimiter {
	limitCfg := cfg.RateLimit
	if client == nil || limitCfg.WebhookRate <= 0 || limitCfg.WebhookBurst <= 0 {
		return nil
	}
	return &WebhookLimiter{
		bucket: NewTokenBucket(client),
		rate:   limitCfg.WebhookRate,
		burst:  limitCfg.WebhookBurst,
		log:    log.Named("ratelimit.webhook"),
	}
}

func (l *WebhookLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

// AllowProvider fails open: a redis outage must not turn into dropped
// deliveries.
func (l *WebhookLimiter) AllowProvider(ctx context.Context, provider string) *RateLimitResult {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}
	}
	key := fmt.Sprintf(keyWebhookProvider, strings.ToLower(strings.TrimSpace(provider)))
	res, err := l.bucket.Allow(ctx, key, l.rate, l.burst)
	if err != nil {
		l.log.Warn("ratelimit.unavailable", zap.String("provider", provider), zap.Error(err))
		return &RateLimitResult{Allowed: true}
	}
	return res
}
