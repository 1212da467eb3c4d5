package risk

import (
	"time"

	"github.com/rs/zerolog/log"
)

// Breaker names owned by the risk tracker.
const (
	BreakerDailyLoss     = "daily_loss"
	BreakerMaxPositions  = "max_positions"
	BreakerExposureLimit = "exposure_limit"
	BreakerDrawdownLimit = "drawdown_limit"
)

// Breaker is a named, cooldown-gated halt on one risk dimension. It is
// not goroutine-safe on its own; the owning tracker's lock guards it.
type Breaker struct {
	Name         string
	Triggered    bool
	TriggerCount int
	LastTrigger  time.Time
	Cooldown     time.Duration
}

// Active reports whether the breaker currently blocks trading. A breaker
// past its cooldown is treated as inactive even before the monitor clears
// the flag, so admission never depends on monitor timing.
func (b *Breaker) Active(now time.Time) bool {
	if !b.Triggered {
		return false
	}
	return now.Sub(b.LastTrigger) < b.Cooldown
}

// Trip marks the breaker triggered at the given time.
func (b *Breaker) Trip(now time.Time) {
	b.Triggered = true
	b.TriggerCount++
	b.LastTrigger = now
}

// ClearIfExpired resets the triggered flag once the cooldown has elapsed.
// Returns true if the breaker was cleared.
func (b *Breaker) ClearIfExpired(now time.Time) bool {
	if b.Triggered && now.Sub(b.LastTrigger) >= b.Cooldown {
		b.Triggered = false
		log.Info().Str("breaker", b.Name).Msg("circuit breaker cooldown elapsed, cleared")
		return true
	}
	return false
}

// BreakerStatus is a point-in-time view of one breaker.
type BreakerStatus struct {
	Name         string    `json:"name"`
	Triggered    bool      `json:"triggered"`
	TriggerCount int       `json:"trigger_count"`
	LastTrigger  time.Time `json:"last_trigger,omitempty"`
	Cooldown     string    `json:"cooldown"`
}
