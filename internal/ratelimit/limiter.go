// Package ratelimit provides per-client admission throttling: a token
// bucket for burst/sustained rate plus an independent hourly sliding
// window, with endpoint-specific overrides selected by longest matching
// path prefix.
package ratelimit

import (
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/naveenvino/tradegate/internal/clock"
	"github.com/naveenvino/tradegate/internal/config"
)

// Rejection reasons returned by Allow.
const (
	ReasonRateLimited = "rate_limited"
	ReasonHourlyLimit = "hourly_limit_exceeded"
)

// Rule is the effective limit set for one path class.
type Rule struct {
	Prefix    string  // "" for the default rule
	PerMinute float64 // Sustained tokens per minute
	PerHour   int     // Independent hourly ceiling
	Burst     int     // Token bucket capacity
}

// Limiter throttles callers per client key. Buckets are created lazily on
// first request and share the limiter's lock only for map access; token
// arithmetic is O(1) per call.
type Limiter struct {
	mu      sync.RWMutex
	clients map[string]*clientLimiter

	clk       clock.Clock
	base      Rule
	overrides []Rule // Sorted by descending prefix length
}

type clientLimiter struct {
	mu       sync.Mutex
	bucket   *rate.Limiter
	hourly   []time.Time // Timestamps of accepted calls within the last hour
	perHour  int
	lastSeen time.Time
}

// New builds a limiter from configuration. Override rules are sorted by
// descending prefix length once, so selection is deterministic regardless
// of declaration order.
func New(cfg config.RateLimitConfig, clk clock.Clock) *Limiter {
	l := &Limiter{
		clients: make(map[string]*clientLimiter),
		clk:     clk,
		base: Rule{
			PerMinute: float64(cfg.PerMinute),
			PerHour:   cfg.PerHour,
			Burst:     cfg.Burst,
		},
	}
	for _, ov := range cfg.Overrides {
		burst := ov.Burst
		if burst <= 0 {
			burst = cfg.Burst
		}
		perHour := ov.PerHour
		if perHour <= 0 {
			perHour = cfg.PerHour
		}
		l.overrides = append(l.overrides, Rule{
			Prefix:    ov.PathPrefix,
			PerMinute: float64(ov.PerMinute),
			PerHour:   perHour,
			Burst:     burst,
		})
	}
	sort.Slice(l.overrides, func(i, j int) bool {
		return len(l.overrides[i].Prefix) > len(l.overrides[j].Prefix)
	})
	return l
}

// Match returns the rule for a path: the longest matching override prefix,
// or the default rule when none matches.
func (l *Limiter) Match(path string) Rule {
	for _, ov := range l.overrides {
		if strings.HasPrefix(path, ov.Prefix) {
			return ov
		}
	}
	return l.base
}

// Allow reports whether a call from clientKey against path may proceed.
// The bucket refills from elapsed wall-clock time; the hourly window is
// trimmed before comparison. Either check failing rejects the call.
func (l *Limiter) Allow(clientKey, path string) (bool, string) {
	rule := l.Match(path)
	now := l.clk.Now()
	cl := l.getClient(clientKey, rule)

	cl.mu.Lock()
	defer cl.mu.Unlock()

	cl.lastSeen = now

	// Hourly window first so a rejected call does not consume a token.
	cutoff := now.Add(-time.Hour)
	trimmed := cl.hourly[:0]
	for _, t := range cl.hourly {
		if t.After(cutoff) {
			trimmed = append(trimmed, t)
		}
	}
	cl.hourly = trimmed
	if len(cl.hourly) >= cl.perHour {
		return false, ReasonHourlyLimit
	}

	if !cl.bucket.AllowN(now, 1) {
		return false, ReasonRateLimited
	}

	cl.hourly = append(cl.hourly, now)
	return true, ""
}

// getClient returns or creates the bucket for a (client, rule) pair. The
// rule prefix is part of the key so tighter endpoint limits get their own
// bucket.
func (l *Limiter) getClient(clientKey string, rule Rule) *clientLimiter {
	key := clientKey + "|" + rule.Prefix

	l.mu.RLock()
	cl, exists := l.clients[key]
	l.mu.RUnlock()
	if exists {
		return cl
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock
	if cl, exists := l.clients[key]; exists {
		return cl
	}

	cl = &clientLimiter{
		bucket:  rate.NewLimiter(rate.Limit(rule.PerMinute/60), rule.Burst),
		perHour: rule.PerHour,
	}
	l.clients[key] = cl
	return cl
}

// PruneIdle evicts clients not seen within maxIdle so memory stays
// bounded under churning client keys. Eviction is an optimization, not a
// correctness requirement: a recreated bucket starts full.
func (l *Limiter) PruneIdle(maxIdle time.Duration) int {
	now := l.clk.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	pruned := 0
	for key, cl := range l.clients {
		cl.mu.Lock()
		idle := now.Sub(cl.lastSeen) > maxIdle
		cl.mu.Unlock()
		if idle {
			delete(l.clients, key)
			pruned++
		}
	}
	return pruned
}

// ClientStats is a point-in-time view of one client bucket.
type ClientStats struct {
	Key             string  `json:"key"`
	TokensAvailable float64 `json:"tokens_available"`
	HourlyCount     int     `json:"hourly_count"`
	HourlyLimit     int     `json:"hourly_limit"`
}

// Stats returns statistics for all client buckets.
func (l *Limiter) Stats() []ClientStats {
	now := l.clk.Now()

	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]ClientStats, 0, len(l.clients))
	for key, cl := range l.clients {
		cl.mu.Lock()
		out = append(out, ClientStats{
			Key:             key,
			TokensAvailable: cl.bucket.TokensAt(now),
			HourlyCount:     len(cl.hourly),
			HourlyLimit:     cl.perHour,
		})
		cl.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
