// Package market provides an optional Redis-backed cache in front of any
// PerceptionPort. A cache failure is always a cache miss, never a perception
// failure.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ajitpratap0/quorumtrade/internal/trading"
)

// opTimeout bounds every Redis round-trip so a slow cache cannot stall a
// perception cycle.
const opTimeout = 500 * time.Millisecond

// CachedPerception wraps a PerceptionPort with a frame cache keyed by
// instrument and timeframe set.
type CachedPerception struct {
	next   trading.PerceptionPort
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewCachedPerception builds the caching wrapper. A nil client returns the
// underlying port unchanged, so callers can wire the cache unconditionally.
func NewCachedPerception(next trading.PerceptionPort, client *redis.Client, ttl time.Duration, logger zerolog.Logger) trading.PerceptionPort {
	if client == nil {
		return next
	}
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &CachedPerception{next: next, client: client, ttl: ttl, logger: logger}
}

func cacheKey(symbol string, timeframes []trading.Timeframe) string {
	parts := make([]string, len(timeframes))
	for i, tf := range timeframes {
		parts[i] = string(tf)
	}
	return fmt.Sprintf("quorumtrade:frame:%s:%s", symbol, strings.Join(parts, ","))
}

// FetchFrame serves from cache when possible and falls through to the
// underlying port on any miss or cache error.
func (c *CachedPerception) FetchFrame(ctx context.Context, symbol string, timeframes []trading.Timeframe) (*trading.MarketFrame, error) {
	key := cacheKey(symbol, timeframes)

	if frame := c.get(ctx, key); frame != nil {
		return frame, nil
	}

	frame, err := c.next.FetchFrame(ctx, symbol, timeframes)
	if err != nil {
		return nil, err
	}
	c.set(ctx, key, frame)
	return frame, nil
}

func (c *CachedPerception) get(ctx context.Context, key string) *trading.MarketFrame {
	cctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	cached, err := c.client.Get(cctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			c.logger.Debug().Err(err).Str("key", key).Msg("Redis get failed, treating as miss")
		}
		return nil
	}

	var frame trading.MarketFrame
	if err := json.Unmarshal([]byte(cached), &frame); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Cached frame failed to parse")
		return nil
	}

	c.logger.Debug().Str("instrument", frame.Instrument).Msg("Frame cache hit")
	return &frame
}

func (c *CachedPerception) set(ctx context.Context, key string, frame *trading.MarketFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Frame failed to marshal for cache")
		return
	}

	cctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := c.client.Set(cctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Frame cache write failed")
	}
}
