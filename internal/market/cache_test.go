package market

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/quorumtrade/internal/trading"
)

type countingPerception struct {
	calls atomic.Int64
	frame *trading.MarketFrame
	err   error
}

func (p *countingPerception) FetchFrame(context.Context, string, []trading.Timeframe) (*trading.MarketFrame, error) {
	p.calls.Add(1)
	if p.err != nil {
		return nil, p.err
	}
	return p.frame, nil
}

func testFrame() *trading.MarketFrame {
	return &trading.MarketFrame{
		Instrument: "BTCUSD",
		AssetClass: "crypto",
		Timestamp:  time.Now().UTC().Truncate(time.Second),
		Candles: map[trading.Timeframe][]trading.Candle{
			trading.Timeframe1h: {{Close: 65000}},
		},
	}
}

func newTestCache(t *testing.T, next trading.PerceptionPort) (trading.PerceptionPort, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewCachedPerception(next, client, time.Minute, zerolog.Nop()), mr
}

func TestCachedPerceptionServesFromCache(t *testing.T) {
	upstream := &countingPerception{frame: testFrame()}
	cached, _ := newTestCache(t, upstream)

	ctx := context.Background()
	tfs := []trading.Timeframe{trading.Timeframe1h}

	first, err := cached.FetchFrame(ctx, "BTCUSD", tfs)
	require.NoError(t, err)
	second, err := cached.FetchFrame(ctx, "BTCUSD", tfs)
	require.NoError(t, err)

	assert.Equal(t, int64(1), upstream.calls.Load(), "second fetch should hit the cache")
	assert.Equal(t, first.Instrument, second.Instrument)
	assert.Equal(t, first.Candles[trading.Timeframe1h][0].Close, second.Candles[trading.Timeframe1h][0].Close)
}

func TestCachedPerceptionKeyIncludesTimeframes(t *testing.T) {
	upstream := &countingPerception{frame: testFrame()}
	cached, _ := newTestCache(t, upstream)

	ctx := context.Background()
	_, err := cached.FetchFrame(ctx, "BTCUSD", []trading.Timeframe{trading.Timeframe1h})
	require.NoError(t, err)
	_, err = cached.FetchFrame(ctx, "BTCUSD", []trading.Timeframe{trading.Timeframe1h, trading.Timeframe4h})
	require.NoError(t, err)

	assert.Equal(t, int64(2), upstream.calls.Load(), "different timeframe sets are different keys")
}

func TestCachedPerceptionExpires(t *testing.T) {
	upstream := &countingPerception{frame: testFrame()}
	cached, mr := newTestCache(t, upstream)

	ctx := context.Background()
	tfs := []trading.Timeframe{trading.Timeframe1h}

	_, err := cached.FetchFrame(ctx, "BTCUSD", tfs)
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	_, err = cached.FetchFrame(ctx, "BTCUSD", tfs)
	require.NoError(t, err)
	assert.Equal(t, int64(2), upstream.calls.Load())
}

func TestCachedPerceptionDownRedisFallsThrough(t *testing.T) {
	upstream := &countingPerception{frame: testFrame()}
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	cached := NewCachedPerception(upstream, client, time.Minute, zerolog.Nop())

	mr.Close()

	frame, err := cached.FetchFrame(context.Background(), "BTCUSD", []trading.Timeframe{trading.Timeframe1h})
	require.NoError(t, err)
	assert.Equal(t, "BTCUSD", frame.Instrument)
	assert.Equal(t, int64(1), upstream.calls.Load())
}

func TestNilClientReturnsUnderlyingPort(t *testing.T) {
	upstream := &countingPerception{frame: testFrame()}
	cached := NewCachedPerception(upstream, nil, time.Minute, zerolog.Nop())
	assert.Equal(t, trading.PerceptionPort(upstream), cached)
}
