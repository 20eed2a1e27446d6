package cache

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/circletel/coverage-engine/internal/coverage"
)

const redisKeyPrefix = "coverage:resolution:"

// Redis shares the resolution cache between engine instances. Failures
// degrade to cache misses; the cache must never take resolution down with
// it.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger

	hits    atomic.Uint64
	misses  atomic.Uint64
	flushes atomic.Uint64
}

// NewRedis wraps a Redis client as a shared store.
func NewRedis(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *Redis {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Redis{
		client: client,
		ttl:    ttl,
		logger: logger.With().Str("component", "cache").Logger(),
	}
}

// Get fetches and decodes a cached result.
func (r *Redis) Get(ctx context.Context, key Key) (coverage.Result, bool) {
	raw, err := r.client.Get(ctx, redisKeyPrefix+string(key)).Bytes()
	if err != nil {
		if err != redis.Nil {
			r.logger.Warn().Err(err).Msg("cache read failed")
		}
		r.misses.Add(1)
		return coverage.Result{}, false
	}
	var result coverage.Result
	if err := json.Unmarshal(raw, &result); err != nil {
		r.logger.Warn().Err(err).Msg("cache entry corrupt, dropping")
		r.client.Del(ctx, redisKeyPrefix+string(key))
		r.misses.Add(1)
		return coverage.Result{}, false
	}
	r.hits.Add(1)
	return result, true
}

// Put stores the result with the configured TTL.
func (r *Redis) Put(ctx context.Context, key Key, result coverage.Result) {
	raw, err := json.Marshal(result)
	if err != nil {
		r.logger.Warn().Err(err).Msg("cache encode failed")
		return
	}
	if err := r.client.Set(ctx, redisKeyPrefix+string(key), raw, r.ttl).Err(); err != nil {
		r.logger.Warn().Err(err).Msg("cache write failed")
	}
}

// Flush scans and deletes every resolution entry.
func (r *Redis) Flush(ctx context.Context) {
	iter := r.client.Scan(ctx, 0, redisKeyPrefix+"*", 256).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) >= 256 {
			r.client.Del(ctx, keys...)
			keys = keys[:0]
		}
	}
	if len(keys) > 0 {
		r.client.Del(ctx, keys...)
	}
	if err := iter.Err(); err != nil {
		r.logger.Warn().Err(err).Msg("cache flush scan failed")
	}
	r.flushes.Add(1)
}

// Stats reports process-local counters; entry counts live in Redis and are
// not tracked here.
func (r *Redis) Stats() Stats {
	return Stats{Hits: r.hits.Load(), Misses: r.misses.Load(), Flushes: r.flushes.Load()}
}
