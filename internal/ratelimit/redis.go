package ratelimit

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// SharedWindow is a fixed-window counter backed by Redis, for deployments
// where several engine instances share one provider budget. It satisfies the
// same Limiter contract as FixedWindow, so swapping it in does not touch the
// adapters.
type SharedWindow struct {
	client *redis.Client
	logger zerolog.Logger
	now    func() time.Time
}

// NewSharedWindow wraps a Redis client as a shared limiter.
func NewSharedWindow(client *redis.Client, logger zerolog.Logger) *SharedWindow {
	return &SharedWindow{
		client: client,
		logger: logger.With().Str("component", "ratelimit").Logger(),
		now:    time.Now,
	}
}

// Allow increments the provider's counter for the current minute window.
// Redis being unreachable fails open: a broken limiter must degrade into
// unthrottled lookups, not into a full coverage outage.
func (s *SharedWindow) Allow(ctx context.Context, providerID string, perMinute int) bool {
	if perMinute <= 0 {
		return true
	}
	windowStart := s.now().Truncate(time.Minute)
	key := fmt.Sprintf("coverage:ratelimit:%s:%d", providerID, windowStart.Unix())

	pipe := s.client.TxPipeline()
	count := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 2*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn().Err(err).Str("provider", providerID).Msg("shared rate limit unavailable, allowing call")
		return true
	}
	return count.Val() <= int64(perMinute)
}
