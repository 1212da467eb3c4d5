package ratelimit

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/naveenvino/tradegate/internal/clock"
	"github.com/naveenvino/tradegate/internal/config"
)

func testRateConfig() config.RateLimitConfig {
	return config.RateLimitConfig{
		PerMinute: 60,
		PerHour:   1000,
		Burst:     10,
		Overrides: []config.RateLimitOverride{
			{PathPrefix: "/api/orders", PerMinute: 30, PerHour: 500, Burst: 5},
			{PathPrefix: "/api", PerMinute: 60, PerHour: 1000, Burst: 10},
			{PathPrefix: "/api/backtest", PerMinute: 10, PerHour: 100, Burst: 2},
		},
	}
}

func newTestLimiter(t *testing.T) (*Limiter, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 2, 3, 10, 30, 0, 0, time.UTC))
	return New(testRateConfig(), clk), clk
}

func TestMatch_LongestPrefixWins(t *testing.T) {
	l, _ := newTestLimiter(t)

	// "/api/orders" beats "/api" regardless of declaration order.
	assert.Equal(t, "/api/orders", l.Match("/api/orders").Prefix)
	assert.Equal(t, "/api/backtest", l.Match("/api/backtest/run").Prefix)
	assert.Equal(t, "/api", l.Match("/api/risk").Prefix)

	// No override matches: the default rule applies.
	assert.Equal(t, "", l.Match("/health").Prefix)
}

func TestAllow_BurstThenSustained(t *testing.T) {
	l, clk := newTestLimiter(t)

	// The orders bucket starts full at its burst of 5.
	for i := 0; i < 5; i++ {
		ok, reason := l.Allow("client-a", "/api/orders")
		require.True(t, ok, "call %d: %s", i, reason)
	}
	ok, reason := l.Allow("client-a", "/api/orders")
	assert.False(t, ok)
	assert.Equal(t, ReasonRateLimited, reason)

	// 30/min refills one token every 2 seconds.
	clk.Advance(2 * time.Second)
	ok, _ = l.Allow("client-a", "/api/orders")
	assert.True(t, ok)
	ok, reason = l.Allow("client-a", "/api/orders")
	assert.False(t, ok)
	assert.Equal(t, ReasonRateLimited, reason)
}

func TestAllow_IdleRefillCapsAtBurst(t *testing.T) {
	l, clk := newTestLimiter(t)

	// Drain the orders bucket completely.
	for i := 0; i < 5; i++ {
		ok, reason := l.Allow("client-a", "/api/orders")
		require.True(t, ok, "call %d: %s", i, reason)
	}
	ok, _ := l.Allow("client-a", "/api/orders")
	require.False(t, ok)

	// An hour idle refills at most the burst of 5, never more, even
	// though 30/min would nominally produce 1800 tokens.
	clk.Advance(time.Hour)
	for i := 0; i < 5; i++ {
		ok, reason := l.Allow("client-a", "/api/orders")
		require.True(t, ok, "call %d: %s", i, reason)
	}
	ok, reason := l.Allow("client-a", "/api/orders")
	assert.False(t, ok)
	assert.Equal(t, ReasonRateLimited, reason)
}

func TestAllow_ClientsAndPathsIsolated(t *testing.T) {
	l, _ := newTestLimiter(t)

	for i := 0; i < 5; i++ {
		ok, _ := l.Allow("client-a", "/api/orders")
		require.True(t, ok)
	}
	ok, _ := l.Allow("client-a", "/api/orders")
	require.False(t, ok)

	// Another client has its own bucket.
	ok, _ = l.Allow("client-b", "/api/orders")
	assert.True(t, ok)

	// The same client on a different path class does too.
	ok, _ = l.Allow("client-a", "/api/risk")
	assert.True(t, ok)
}

func TestAllow_HourlyWindow(t *testing.T) {
	cfg := config.RateLimitConfig{PerMinute: 600, PerHour: 20, Burst: 600}
	clk := clock.NewFake(time.Date(2026, 2, 3, 10, 30, 0, 0, time.UTC))
	l := New(cfg, clk)

	for i := 0; i < 20; i++ {
		ok, reason := l.Allow("c", "/x")
		require.True(t, ok, "call %d: %s", i, reason)
		clk.Advance(time.Second)
	}

	// Tokens remain but the hourly ceiling is hit.
	ok, reason := l.Allow("c", "/x")
	assert.False(t, ok)
	assert.Equal(t, ReasonHourlyLimit, reason)

	// The rejection must not have consumed a token: once the window
	// slides, the call goes through immediately.
	clk.Advance(time.Hour)
	ok, _ = l.Allow("c", "/x")
	assert.True(t, ok)
}

func TestAllow_HourlyWindowSlides(t *testing.T) {
	cfg := config.RateLimitConfig{PerMinute: 600, PerHour: 3, Burst: 600}
	clk := clock.NewFake(time.Date(2026, 2, 3, 10, 30, 0, 0, time.UTC))
	l := New(cfg, clk)

	for i := 0; i < 3; i++ {
		ok, _ := l.Allow("c", "/x")
		require.True(t, ok)
		clk.Advance(20 * time.Minute)
	}
	// t=60m: the first call (t=0) has aged out of the window.
	ok, _ := l.Allow("c", "/x")
	assert.True(t, ok)

	// t=60m again: three calls in the window (t=20,40,60).
	ok, reason := l.Allow("c", "/x")
	assert.False(t, ok)
	assert.Equal(t, ReasonHourlyLimit, reason)
}

func TestPruneIdle(t *testing.T) {
	l, clk := newTestLimiter(t)

	ok, _ := l.Allow("old-client", "/api/risk")
	require.True(t, ok)

	clk.Advance(2 * time.Hour)
	ok, _ = l.Allow("fresh-client", "/api/risk")
	require.True(t, ok)

	pruned := l.PruneIdle(time.Hour)
	assert.Equal(t, 1, pruned)

	stats := l.Stats()
	require.Len(t, stats, 1)
	assert.Contains(t, stats[0].Key, "fresh-client")
}

func TestStats(t *testing.T) {
	l, _ := newTestLimiter(t)

	for i := 0; i < 3; i++ {
		ok, _ := l.Allow("c", "/api/orders")
		require.True(t, ok)
	}

	stats := l.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, fmt.Sprintf("c|%s", "/api/orders"), stats[0].Key)
	assert.Equal(t, 3, stats[0].HourlyCount)
	assert.Equal(t, 500, stats[0].HourlyLimit)
	assert.InDelta(t, 2, stats[0].TokensAvailable, 0.01)
}
