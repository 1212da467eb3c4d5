package safety

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Monitor is the controller's single perpetual background task. It clears
// expired circuit breakers, watches the heartbeat, rolls the per-minute
// order counter and purges stale fingerprints. It exits only when its
// context is cancelled, finishing the current tick first.
type Monitor struct {
	c        *Controller
	interval time.Duration
}

// NewMonitor creates the background monitor for a controller.
func NewMonitor(c *Controller) *Monitor {
	interval := c.cfg.MonitorInterval
	if interval <= 0 {
		interval = time.Second
	}
	return &Monitor{c: c, interval: interval}
}

// Run blocks until ctx is cancelled. Call it in its own goroutine.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", m.interval).Msg("safety monitor started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("safety monitor stopped")
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick runs one monitor pass. Exported so tests can drive the monitor
// without real time.
func (m *Monitor) Tick(ctx context.Context) {
	m.clearExpiredBreakers()
	m.checkHeartbeat(ctx)
	m.rollCounters()
	m.purgeFingerprints()
}

// clearExpiredBreakers resets the safety breaker and the risk tracker's
// breakers once their cooldowns have elapsed.
func (m *Monitor) clearExpiredBreakers() {
	c := m.c
	now := c.clk.Now()

	c.mu.Lock()
	if c.breakerTriggered && !c.breakerActiveLocked(now) {
		c.breakerTriggered = false
		c.recomputeStatusLocked(now)
		log.Info().Str("reason", c.breakerReason).Msg("safety circuit breaker cooldown elapsed, cleared")
	}
	c.mu.Unlock()

	if c.risk != nil {
		c.risk.ClearExpiredBreakers()
	}
}

// checkHeartbeat escalates to a circuit breaker after a bounded number of
// consecutive liveness failures. A heartbeat is stale once it is older
// than twice the configured interval.
func (m *Monitor) checkHeartbeat(ctx context.Context) {
	c := m.c
	now := c.clk.Now()
	last := time.Unix(0, c.heartbeat.Load())

	if now.Sub(last) <= 2*c.cfg.HeartbeatInterval {
		c.mu.Lock()
		c.networkFailures = 0
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	c.networkFailures++
	failures := c.networkFailures
	limit := c.cfg.MaxNetworkFailures
	c.mu.Unlock()

	log.Warn().Int("failures", failures).Time("last_heartbeat", last).Msg("heartbeat stale")

	if failures >= limit {
		c.mu.Lock()
		c.networkFailures = 0
		c.mu.Unlock()
		// Re-arm the heartbeat so one outage trips the breaker once, not
		// on every subsequent tick.
		c.heartbeat.Store(now.UnixNano())
		c.TriggerCircuitBreaker(ctx, "network failure: heartbeat lost")
	}
}

// rollCounters resets the per-minute order counter on minute boundaries.
func (m *Monitor) rollCounters() {
	c := m.c
	now := c.clk.Now()

	c.mu.Lock()
	c.rollMinuteLocked(now)
	c.mu.Unlock()
}

// purgeFingerprints drops fingerprint entries older than the duplicate
// window so memory stays bounded under sustained traffic.
func (m *Monitor) purgeFingerprints() {
	c := m.c
	now := c.clk.Now()

	c.mu.Lock()
	for fp, seen := range c.fingerprints {
		if now.Sub(seen) >= c.cfg.DuplicateWindow {
			delete(c.fingerprints, fp)
		}
	}
	c.mu.Unlock()
}
