package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/creditrail/creditrail/internal/config"
)

const keyTrackUser = "usage:track:user:%s"

// IngestLimiter throttles usage tracking per user with a redis token
// bucket. It fails open: when redis is not configured or unreachable the
// event goes through, because losing billable usage is worse than letting a
// burst past the limiter.
type IngestLimiter struct {
	log    *zap.Logger
	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewRedisClient(cfg config.Config) *redis.Client {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.RedisPassword),
		DB:       cfg.RedisDB,
	})
}

func NewIngestLimiter(cfg config.Config, log *zap.Logger, client *redis.Client) *IngestLimiter {
	if client == nil || cfg.IngestRate <= 0 || cfg.IngestBurst <= 0 {
		return nil
	}
	return &IngestLimiter{
		log:    log.Named("ratelimit.ingest"),
		bucket: NewTokenBucket(client),
		rate:   cfg.IngestRate,
		burst:  cfg.IngestBurst,
	}
}

func (l *IngestLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

// AllowUser consumes one token from the user's bucket. The result carries
// limit headers for the transport layer.
func (l *IngestLimiter) AllowUser(ctx context.Context, userID string) *RateLimitResult {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}
	}
	result, err := l.bucket.Allow(ctx, fmt.Sprintf(keyTrackUser, strings.TrimSpace(userID)), l.rate, l.burst)
	if err != nil {
		l.log.Warn("rate limit check failed, allowing request",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return &RateLimitResult{Allowed: true}
	}
	return result
}

// RetryAfterSeconds rounds the retry hint up to whole seconds for the
// Retry-After header.
func RetryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
