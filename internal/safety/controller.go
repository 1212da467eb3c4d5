package safety

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/naveenvino/tradegate/internal/audit"
	"github.com/naveenvino/tradegate/internal/clock"
	"github.com/naveenvino/tradegate/internal/config"
	"github.com/naveenvino/tradegate/internal/store"
)

// Status is the safety controller's operating level. EMERGENCY and HALTED
// are terminal until an explicit release call; no automatic transition
// ever leaves them.
type Status int

const (
	StatusNormal Status = iota
	StatusWarning
	StatusCritical
	StatusEmergency
	StatusHalted
)

func (s Status) String() string {
	switch s {
	case StatusNormal:
		return "NORMAL"
	case StatusWarning:
		return "WARNING"
	case StatusCritical:
		return "CRITICAL"
	case StatusEmergency:
		return "EMERGENCY"
	case StatusHalted:
		return "HALTED"
	default:
		return "UNKNOWN"
	}
}

// Rejection reason codes returned by ValidateOrder.
const (
	ReasonEmergencyStop  = "emergency_stop_active"
	ReasonKillSwitch     = "kill_switch_active"
	ReasonCircuitBreaker = "circuit_breaker_active"
	ReasonOrderTooSoon   = "order_too_frequent"
	ReasonDuplicateOrder = "duplicate_order"
	ReasonOrderValue     = "order_value_exceeded"
	ReasonLotLimit       = "lot_limit_exceeded"
	ReasonOrderRate      = "order_rate_exceeded"
	ReasonDailyLoss      = "daily_loss_exceeded"
)

// Flattener is the slice of the broker client the safety controller needs
// to unwind everything on a halt. Calls happen outside the controller's
// lock; timeouts and retries are the broker client's responsibility.
type Flattener interface {
	FlattenAll(ctx context.Context) error
	CancelAllOrders(ctx context.Context) error
}

// PnLSource answers the daily realized P&L query delegated to the risk
// tracker.
type PnLSource interface {
	DailyPnL() float64
	ClearExpiredBreakers() int
}

// Controller gates every order for duplication, frequency and value abuse
// and owns the kill-switch / circuit-breaker / emergency-stop state
// machine. One mutex guards all state; the controller never calls the
// broker, audit sink or risk tracker while holding it.
type Controller struct {
	mu sync.Mutex

	cfg     config.SafetyConfig
	clk     clock.Clock
	loc     *time.Location
	risk    PnLSource
	sink    audit.Sink
	state   store.Store
	flatten Flattener

	status        Status
	killSwitch    bool
	emergencyStop bool

	breakerTriggered    bool
	breakerReason       string
	breakerLastTrigger  time.Time
	breakerTriggerCount int

	fingerprints     map[string]time.Time
	lastOrderTime    time.Time
	ordersThisMinute int
	currentMinute    time.Time

	consecutiveLosses int
	dailyLoss         float64
	lastResetDate     string // YYYY-MM-DD of the last daily counter reset

	heartbeat       atomic.Int64 // Unix nanos of the last liveness signal
	networkFailures int
}

// NewController builds a safety controller. flattener may be set later via
// SetFlattener once the broker client exists. Previously persisted halt
// state is restored from the store.
func NewController(cfg config.SafetyConfig, clk clock.Clock, riskSource PnLSource, sink audit.Sink, st store.Store) *Controller {
	if sink == nil {
		sink = audit.NewLogSink()
	}
	if st == nil {
		st = store.NewMemoryStore()
	}
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		loc = time.Local
	}
	c := &Controller{
		cfg:          cfg,
		clk:          clk,
		loc:          loc,
		risk:         riskSource,
		sink:         sink,
		state:        st,
		status:       StatusNormal,
		fingerprints: make(map[string]time.Time),
	}
	c.lastResetDate = clk.Now().In(loc).Format("2006-01-02")
	c.heartbeat.Store(clk.Now().UnixNano())
	c.restoreState()
	return c
}

// SetFlattener wires the broker client used to unwind positions on a
// halt. The gateway owns the broker client and is constructed after the
// controller, so the wiring happens late.
func (c *Controller) SetFlattener(f Flattener) {
	c.mu.Lock()
	c.flatten = f
	c.mu.Unlock()
}

// ValidateOrder returns whether the order may proceed and, when it may
// not, the first failing reason code. The fingerprint is recorded and the
// per-minute counter incremented only on a successful validation.
func (c *Controller) ValidateOrder(order Order) (bool, string) {
	// The daily-loss query goes to the risk tracker before taking our own
	// lock, so component locks never nest.
	riskDaily := 0.0
	if c.risk != nil {
		riskDaily = c.risk.DailyPnL()
	}

	now := c.clk.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.maybeResetDailyLocked(now)

	if c.emergencyStop {
		return false, ReasonEmergencyStop
	}
	if c.killSwitch {
		return false, ReasonKillSwitch
	}
	if c.breakerActiveLocked(now) {
		return false, ReasonCircuitBreaker
	}
	if !c.lastOrderTime.IsZero() && now.Sub(c.lastOrderTime) < c.cfg.MinOrderInterval {
		return false, ReasonOrderTooSoon
	}

	fp := order.Fingerprint()
	if seen, ok := c.fingerprints[fp]; ok && now.Sub(seen) < c.cfg.DuplicateWindow {
		return false, ReasonDuplicateOrder
	}

	if order.Notional() > c.cfg.MaxOrderValue {
		return false, ReasonOrderValue
	}
	if order.Lots > c.cfg.MaxLots {
		return false, ReasonLotLimit
	}

	c.rollMinuteLocked(now)
	if c.ordersThisMinute >= c.cfg.MaxOrdersPerMinute {
		return false, ReasonOrderRate
	}

	if riskDaily <= -c.cfg.MaxDailyLoss {
		return false, ReasonDailyLoss
	}

	// Accepted: side effects happen only on this path.
	c.fingerprints[fp] = now
	c.lastOrderTime = now
	c.ordersThisMinute++

	return true, ""
}

// TriggerKillSwitch halts all trading, flattens every open position and
// cancels pending orders. Calling it while already active is a no-op
// aside from logging.
func (c *Controller) TriggerKillSwitch(ctx context.Context, reason string) {
	c.mu.Lock()
	if c.killSwitch {
		c.mu.Unlock()
		log.Warn().Str("reason", reason).Msg("kill switch already active")
		return
	}
	c.killSwitch = true
	c.status = StatusHalted
	flatten := c.flatten
	c.mu.Unlock()

	log.Error().Str("reason", reason).Msg("KILL SWITCH TRIGGERED - trading halted")
	c.sink.Log(audit.NewEvent(audit.KindKillSwitch, "critical", "kill switch triggered",
		map[string]interface{}{"reason": reason}))
	c.persistState(ctx)

	c.unwind(ctx, flatten)
}

// ReleaseKillSwitch resumes trading. Only an explicit operator call ever
// clears the flag.
func (c *Controller) ReleaseKillSwitch(ctx context.Context) {
	c.mu.Lock()
	c.killSwitch = false
	c.recomputeStatusLocked(c.clk.Now())
	c.mu.Unlock()

	log.Warn().Msg("kill switch released")
	c.sink.Log(audit.NewEvent(audit.KindStateRelease, "warning", "kill switch released", nil))
	c.persistState(ctx)
}

// TriggerEmergencyStop has the same flattening effect as the kill switch
// but marks the condition as automatically detected.
func (c *Controller) TriggerEmergencyStop(ctx context.Context, reason string) {
	c.mu.Lock()
	if c.emergencyStop {
		c.mu.Unlock()
		log.Warn().Str("reason", reason).Msg("emergency stop already active")
		return
	}
	c.emergencyStop = true
	c.status = StatusEmergency
	flatten := c.flatten
	c.mu.Unlock()

	log.Error().Str("reason", reason).Msg("EMERGENCY STOP TRIGGERED - trading halted")
	c.sink.Log(audit.NewEvent(audit.KindEmergencyStop, "critical", "emergency stop triggered",
		map[string]interface{}{"reason": reason}))
	c.persistState(ctx)

	c.unwind(ctx, flatten)
}

// ReleaseEmergencyStop resumes trading after an emergency stop.
func (c *Controller) ReleaseEmergencyStop(ctx context.Context) {
	c.mu.Lock()
	c.emergencyStop = false
	c.recomputeStatusLocked(c.clk.Now())
	c.mu.Unlock()

	log.Warn().Msg("emergency stop released")
	c.sink.Log(audit.NewEvent(audit.KindStateRelease, "warning", "emergency stop released", nil))
	c.persistState(ctx)
}

// TriggerCircuitBreaker trips the controller's breaker and cancels pending
// orders. The breaker clears automatically once the cooldown elapses,
// checked by the background monitor, never by the caller.
func (c *Controller) TriggerCircuitBreaker(ctx context.Context, reason string) {
	now := c.clk.Now()

	c.mu.Lock()
	if c.breakerActiveLocked(now) {
		c.mu.Unlock()
		log.Warn().Str("reason", reason).Msg("circuit breaker already active")
		return
	}
	c.breakerTriggered = true
	c.breakerReason = reason
	c.breakerLastTrigger = now
	c.breakerTriggerCount++
	// EMERGENCY and HALTED dominate CRITICAL.
	c.recomputeStatusLocked(now)
	flatten := c.flatten
	c.mu.Unlock()

	log.Error().Str("reason", reason).Msg("safety circuit breaker triggered")
	c.sink.Log(audit.NewEvent(audit.KindCircuitBreaker, "critical", "circuit breaker triggered",
		map[string]interface{}{"reason": reason}))
	c.persistState(ctx)

	if flatten != nil {
		if err := flatten.CancelAllOrders(ctx); err != nil {
			log.Error().Err(err).Msg("failed to cancel pending orders after breaker trip")
		}
	}
}

// RecordTradeResult feeds a realized trade P&L into the loss-streak
// tracking and escalates to the circuit breaker when thresholds are
// exceeded.
func (c *Controller) RecordTradeResult(ctx context.Context, pnl float64) {
	c.mu.Lock()
	c.maybeResetDailyLocked(c.clk.Now())
	if pnl < 0 {
		c.consecutiveLosses++
		c.dailyLoss += -pnl
	} else {
		c.consecutiveLosses = 0
	}

	escalate := ""
	if c.consecutiveLosses >= c.cfg.ConsecutiveLossLimit {
		escalate = "consecutive loss limit reached"
	} else if -pnl >= c.cfg.PerPositionLossLimit {
		escalate = "single position loss limit exceeded"
	}

	if escalate == "" && c.status == StatusNormal && c.dailyLoss >= 0.8*c.cfg.MaxDailyLoss {
		c.status = StatusWarning
		log.Warn().Float64("daily_loss", c.dailyLoss).Msg("daily loss approaching cap")
	}
	c.mu.Unlock()

	if escalate != "" {
		c.TriggerCircuitBreaker(ctx, escalate)
	}
}

// Heartbeat records a liveness signal from the data/webhook path. It is a
// lock-free timestamp store, safe under concurrent callers.
func (c *Controller) Heartbeat() {
	c.heartbeat.Store(c.clk.Now().UnixNano())
}

// SafetySnapshot is a point-in-time view of the controller.
type SafetySnapshot struct {
	Status              string    `json:"status"`
	KillSwitch          bool      `json:"kill_switch"`
	EmergencyStop       bool      `json:"emergency_stop"`
	BreakerTriggered    bool      `json:"breaker_triggered"`
	BreakerReason       string    `json:"breaker_reason,omitempty"`
	BreakerLastTrigger  time.Time `json:"breaker_last_trigger,omitempty"`
	BreakerTriggerCount int       `json:"breaker_trigger_count"`
	OrdersThisMinute    int       `json:"orders_this_minute"`
	ConsecutiveLosses   int       `json:"consecutive_losses"`
	DailyLoss           float64   `json:"daily_loss"`
	LastHeartbeat       time.Time `json:"last_heartbeat"`
	NetworkFailures     int       `json:"network_failures"`
}

// GetSafetyStatus returns a snapshot safe to call concurrently with
// validation and transitions.
func (c *Controller) GetSafetyStatus() SafetySnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.maybeResetDailyLocked(c.clk.Now())

	return SafetySnapshot{
		Status:              c.status.String(),
		KillSwitch:          c.killSwitch,
		EmergencyStop:       c.emergencyStop,
		BreakerTriggered:    c.breakerTriggered,
		BreakerReason:       c.breakerReason,
		BreakerLastTrigger:  c.breakerLastTrigger,
		BreakerTriggerCount: c.breakerTriggerCount,
		OrdersThisMinute:    c.ordersThisMinute,
		ConsecutiveLosses:   c.consecutiveLosses,
		DailyLoss:           c.dailyLoss,
		LastHeartbeat:       time.Unix(0, c.heartbeat.Load()),
		NetworkFailures:     c.networkFailures,
	}
}

// Halted reports whether the kill switch or emergency stop is set. The
// gateway re-checks this immediately before every broker dispatch.
func (c *Controller) Halted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.killSwitch || c.emergencyStop
}

func (c *Controller) breakerActiveLocked(now time.Time) bool {
	if !c.breakerTriggered {
		return false
	}
	return now.Sub(c.breakerLastTrigger) < c.cfg.BreakerCooldown
}

// recomputeStatusLocked derives the status after a release. EMERGENCY and
// HALTED dominate; a still-cooling breaker keeps CRITICAL.
func (c *Controller) recomputeStatusLocked(now time.Time) {
	switch {
	case c.emergencyStop:
		c.status = StatusEmergency
	case c.killSwitch:
		c.status = StatusHalted
	case c.breakerActiveLocked(now):
		c.status = StatusCritical
	default:
		c.status = StatusNormal
	}
}

// maybeResetDailyLocked zeroes the loss accumulators exactly once per
// trading-date change (IST). Halt states are never touched; only a
// WARNING set by the daily loss path is downgraded.
func (c *Controller) maybeResetDailyLocked(now time.Time) {
	date := now.In(c.loc).Format("2006-01-02")
	if date == c.lastResetDate {
		return
	}
	c.lastResetDate = date
	c.dailyLoss = 0
	c.consecutiveLosses = 0
	if c.status == StatusWarning {
		c.recomputeStatusLocked(now)
	}
	log.Info().Str("date", date).Msg("safety daily counters reset")
}

// rollMinuteLocked resets the per-minute order counter on minute
// boundaries.
func (c *Controller) rollMinuteLocked(now time.Time) {
	minute := now.Truncate(time.Minute)
	if !minute.Equal(c.currentMinute) {
		c.currentMinute = minute
		c.ordersThisMinute = 0
	}
}

// unwind flattens all positions and cancels pending orders. Notification
// failures are logged, never propagated; the halt has already happened.
func (c *Controller) unwind(ctx context.Context, flatten Flattener) {
	if flatten == nil {
		log.Warn().Msg("no broker client wired, skipping flatten")
		return
	}
	if err := flatten.FlattenAll(ctx); err != nil {
		log.Error().Err(err).Msg("failed to flatten positions")
	}
	if err := flatten.CancelAllOrders(ctx); err != nil {
		log.Error().Err(err).Msg("failed to cancel pending orders")
	}
}

// persistState saves halt state through the optional store. Best-effort.
func (c *Controller) persistState(ctx context.Context) {
	c.mu.Lock()
	state := store.State{
		KillSwitch:          c.killSwitch,
		EmergencyStop:       c.emergencyStop,
		BreakerTriggered:    c.breakerTriggered,
		BreakerReason:       c.breakerReason,
		BreakerLastTrigger:  c.breakerLastTrigger,
		BreakerTriggerCount: c.breakerTriggerCount,
		Fingerprints:        make(map[string]time.Time, len(c.fingerprints)),
	}
	for k, v := range c.fingerprints {
		state.Fingerprints[k] = v
	}
	c.mu.Unlock()

	if err := c.state.Save(ctx, state); err != nil {
		log.Warn().Err(err).Msg("failed to persist safety state")
	}
}

// restoreState reloads previously persisted halt state at startup.
func (c *Controller) restoreState() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	state, err := c.state.Load(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to load persisted safety state")
		return
	}
	if state == nil {
		return
	}

	c.mu.Lock()
	c.killSwitch = state.KillSwitch
	c.emergencyStop = state.EmergencyStop
	c.breakerTriggered = state.BreakerTriggered
	c.breakerReason = state.BreakerReason
	c.breakerLastTrigger = state.BreakerLastTrigger
	c.breakerTriggerCount = state.BreakerTriggerCount
	for k, v := range state.Fingerprints {
		c.fingerprints[k] = v
	}
	c.recomputeStatusLocked(c.clk.Now())
	restored := c.status
	c.mu.Unlock()

	if restored != StatusNormal {
		log.Warn().Str("status", restored.String()).Msg("restored persisted safety state")
	}
}
