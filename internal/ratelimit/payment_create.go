package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/ticketpay/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const keyPaymentCreateOrg = "payment:create:org:%s"

var ErrRateLimited = errors.New("rate_limited")

// Bucket is the token bucket contract PaymentLimiter relies on.
type Bucket interface {
	Allow(ctx context.Context, key string, rate float64, burst int) (*RateLimitResult, error)
}

// PaymentLimiter throttles checkout attempts per organizer. A nil limiter
// allows everything.
type PaymentLimiter struct {
	bucket Bucket
	rate   float64
	burst  int
	log    *zap.Logger
}

func NewPaymentLimiter(bucket Bucket, rate float64, burst int, log *zap.Logger) *PaymentLimiter {
	if log == nil {
		log = zap.NewNop()
	}
	return &PaymentLimiter{bucket: bucket, rate: rate, burst: burst, log: log}
}

// ProvidePaymentLimiter returns nil unless rate limiting is enabled.
func ProvidePaymentLimiter(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (*PaymentLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}

	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("rate limit redis addr is required")
	}
	if limitCfg.PaymentCreateRate <= 0 || limitCfg.PaymentCreateBurst <= 0 {
		return nil, errors.New("payment create rate limit must be positive")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.RedisPassword),
		DB:       cfg.RedisDB,
	})
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})

	return NewPaymentLimiter(
		NewTokenBucket(client),
		limitCfg.PaymentCreateRate,
		limitCfg.PaymentCreateBurst,
		log.Named("ratelimit"),
	), nil
}

func (l *PaymentLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

// AllowCreate takes one token for orgID. Redis failures fail open so a cache
// outage never blocks ticket sales.
func (l *PaymentLimiter) AllowCreate(ctx context.Context, orgID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return &RateLimitResult{Allowed: true}, nil
	}

	res, err := l.bucket.Allow(ctx, fmt.Sprintf(keyPaymentCreateOrg, orgID), l.rate, l.burst)
	if err != nil {
		l.log.Warn("payment rate limit check failed", zap.String("organizer_id", orgID), zap.Error(err))
		return &RateLimitResult{Allowed: true}, nil
	}
	if !res.Allowed {
		return res, ErrRateLimited
	}
	return res, nil
}
