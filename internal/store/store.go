// Package store persists safety-controller state across restarts so a
// halted process comes back halted. Persistence is optional and
// best-effort: every failure is logged and swallowed.
package store

import (
	"context"
	"time"
)

// State is the durable slice of safety-controller state.
type State struct {
	KillSwitch          bool                 `json:"kill_switch"`
	EmergencyStop       bool                 `json:"emergency_stop"`
	BreakerTriggered    bool                 `json:"breaker_triggered"`
	BreakerReason       string               `json:"breaker_reason,omitempty"`
	BreakerLastTrigger  time.Time            `json:"breaker_last_trigger,omitempty"`
	BreakerTriggerCount int                  `json:"breaker_trigger_count"`
	Fingerprints        map[string]time.Time `json:"fingerprints,omitempty"`
	SavedAt             time.Time            `json:"saved_at"`
}

// Store loads and saves safety state.
type Store interface {
	Load(ctx context.Context) (*State, error)
	Save(ctx context.Context, state State) error
}
