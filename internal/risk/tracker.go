package risk

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/naveenvino/tradegate/internal/clock"
	"github.com/naveenvino/tradegate/internal/config"
)

// maxAlerts bounds the in-memory alert ring.
const maxAlerts = 100

// Position is one open derivative position. Negative quantity means a
// short (written) option.
type Position struct {
	ID            string    `json:"id"`
	Symbol        string    `json:"symbol"`
	Quantity      int       `json:"quantity"`
	EntryPrice    float64   `json:"entry_price"`
	LastPrice     float64   `json:"last_price"`
	RealizedPnL   float64   `json:"realized_pnl"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	Kind          string    `json:"kind"` // e.g. "CE", "PE", "FUT"
	EntryTime     time.Time `json:"entry_time"`
	MarginUsed    float64   `json:"margin_used"`
}

// ClosedPosition is a ledger entry for a position after exit.
type ClosedPosition struct {
	Position
	ExitPrice float64   `json:"exit_price"`
	ExitTime  time.Time `json:"exit_time"`
}

// Alert is a risk event surfaced in status snapshots.
type Alert struct {
	Time     time.Time `json:"time"`
	Severity string    `json:"severity"` // "info", "warning", "high", "critical"
	Symbol   string    `json:"symbol,omitempty"`
	Message  string    `json:"message"`
}

// ExposureAccount aggregates exposure and daily P&L across open positions.
// Total always equals the sum of |quantity x last price| over the open set.
type ExposureAccount struct {
	Total            float64 `json:"total"`
	DailyRealizedPnL float64 `json:"daily_realized_pnl"`
	AvailableCapital float64 `json:"available_capital"`
}

// Tracker is the single source of truth for open positions, exposure and
// daily P&L, and the authority on whether a new position is admissible.
// All state is guarded by one mutex; the tracker never calls out to other
// components while holding it.
type Tracker struct {
	mu sync.RWMutex

	clk    clock.Clock
	limits config.RiskConfig

	sessionOpenHour  int
	sessionOpenMin   int
	sessionCloseHour int
	sessionCloseMin  int
	loc              *time.Location

	positions map[string]*Position
	history   []ClosedPosition
	exposure  ExposureAccount
	breakers  map[string]*Breaker
	alerts    []Alert

	peakEquity    float64 // Intraday high-water mark of capital + daily P&L
	lastResetDate string  // YYYY-MM-DD of the last daily counter reset
}

// NewTracker builds a risk tracker from validated configuration.
func NewTracker(limits config.RiskConfig, session config.SessionConfig, clk clock.Clock) (*Tracker, error) {
	openH, openM, err := config.ParseSessionTime(session.Open)
	if err != nil {
		return nil, fmt.Errorf("invalid session open: %w", err)
	}
	closeH, closeM, err := config.ParseSessionTime(session.Close)
	if err != nil {
		return nil, fmt.Errorf("invalid session close: %w", err)
	}

	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		loc = time.Local
	}

	t := &Tracker{
		clk:              clk,
		limits:           limits,
		sessionOpenHour:  openH,
		sessionOpenMin:   openM,
		sessionCloseHour: closeH,
		sessionCloseMin:  closeM,
		loc:              loc,
		positions:        make(map[string]*Position),
		peakEquity:       limits.Capital,
		breakers: map[string]*Breaker{
			BreakerDailyLoss:     {Name: BreakerDailyLoss, Cooldown: limits.BreakerCooldown},
			BreakerMaxPositions:  {Name: BreakerMaxPositions, Cooldown: limits.BreakerCooldown},
			BreakerExposureLimit: {Name: BreakerExposureLimit, Cooldown: limits.BreakerCooldown},
			BreakerDrawdownLimit: {Name: BreakerDrawdownLimit, Cooldown: limits.BreakerCooldown},
		},
	}
	t.exposure.AvailableCapital = limits.Capital
	t.lastResetDate = t.clk.Now().In(loc).Format("2006-01-02")
	return t, nil
}

// ValidateNewPosition runs the ordered admission checks for a prospective
// position and returns the first failure as a typed error. All checks
// execute under one critical section so no caller observes a half-updated
// exposure figure.
func (t *Tracker) ValidateNewPosition(symbol string, quantity int, price float64, kind string, marginRequired float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clk.Now().In(t.loc)
	t.maybeResetDailyLocked(now)

	// 1. Trading session
	if !t.sessionOpenAt(now) {
		return ErrMarketClosed
	}

	// 2. Circuit breakers
	for _, b := range t.breakers {
		if b.Active(now) {
			return &CircuitBreakerError{Breaker: b.Name}
		}
	}

	// 3. Position size
	absQty := quantity
	if absQty < 0 {
		absQty = -absQty
	}
	if absQty > t.limits.MaxPositionSize {
		return &RiskLimitError{Limit: "position_size", Current: float64(absQty), Threshold: float64(t.limits.MaxPositionSize)}
	}

	// 4. Concurrent positions
	if len(t.positions) >= t.limits.MaxConcurrentPos {
		return &PositionLimitError{Current: len(t.positions), Limit: t.limits.MaxConcurrentPos}
	}

	// 5. Per-symbol positions
	symbolCount := 0
	for _, p := range t.positions {
		if p.Symbol == symbol {
			symbolCount++
		}
	}
	if symbolCount >= t.limits.MaxPositionsPerSymbol {
		return &RiskLimitError{Limit: "symbol_positions", Current: float64(symbolCount), Threshold: float64(t.limits.MaxPositionsPerSymbol)}
	}

	// 6. Single trade notional
	notional := math.Abs(float64(quantity)) * price
	if notional > t.limits.MaxSingleTradeSize {
		return &RiskLimitError{Limit: "trade_size", Current: notional, Threshold: t.limits.MaxSingleTradeSize}
	}

	// 7. Total exposure
	exposureCap := t.limits.Capital * t.limits.MaxExposurePct / 100
	if t.exposure.Total+notional > exposureCap {
		return &RiskLimitError{Limit: "exposure", Current: t.exposure.Total + notional, Threshold: exposureCap}
	}

	// 8. Margin headroom
	usable := t.exposure.AvailableCapital * 0.9
	if marginRequired > usable {
		return &InsufficientFundsError{Required: marginRequired, Available: usable}
	}

	// 9. Concentration
	portfolioValue := t.limits.Capital + t.exposure.DailyRealizedPnL
	if portfolioValue > 0 {
		concentration := notional / portfolioValue * 100
		if concentration > t.limits.ConcentrationPct {
			return &RiskLimitError{Limit: "concentration", Current: concentration, Threshold: t.limits.ConcentrationPct}
		}
	}

	return nil
}

// AddPosition records a confirmed fill and updates exposure atomically.
func (t *Tracker) AddPosition(symbol string, quantity int, price float64, kind string, marginUsed float64) (*Position, error) {
	if quantity == 0 {
		return nil, fmt.Errorf("position quantity must be non-zero")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clk.Now().In(t.loc)
	t.maybeResetDailyLocked(now)

	pos := &Position{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		Quantity:   quantity,
		EntryPrice: price,
		LastPrice:  price,
		Kind:       kind,
		EntryTime:  now,
		MarginUsed: marginUsed,
	}
	t.positions[pos.ID] = pos
	t.recomputeExposureLocked()
	t.maybeExposureAlertLocked(now, symbol)

	log.Info().Str("position", pos.ID).Str("symbol", symbol).
		Int("quantity", quantity).Float64("price", price).
		Msg("position opened")

	snapshot := *pos
	return &snapshot, nil
}

// UpdatePosition applies a price tick, recomputes unrealized P&L and
// exposure, and raises a high-severity alert on a stop-loss breach. It
// never closes the position itself; that decision belongs to the caller.
func (t *Tracker) UpdatePosition(id string, price float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clk.Now().In(t.loc)
	t.maybeResetDailyLocked(now)

	pos, ok := t.positions[id]
	if !ok {
		return ErrPositionNotFound
	}

	pos.LastPrice = price
	pos.UnrealizedPnL = (price - pos.EntryPrice) * float64(pos.Quantity)
	t.recomputeExposureLocked()
	t.maybeExposureAlertLocked(now, pos.Symbol)

	// Stop loss is sign-aware: shorts breach when price rises, longs when
	// price falls.
	slFrac := t.limits.StopLossPct / 100
	breached := false
	if pos.Quantity < 0 {
		breached = price >= pos.EntryPrice*(1+slFrac)
	} else {
		breached = price <= pos.EntryPrice*(1-slFrac)
	}
	if breached {
		t.addAlertLocked(now, "high", pos.Symbol, fmt.Sprintf(
			"stop loss breached on %s: entry %.2f, last %.2f, unrealized %.2f",
			pos.Symbol, pos.EntryPrice, price, pos.UnrealizedPnL))
	}

	return nil
}

// ClosePosition removes the position, realizes its P&L into the daily
// total, appends it to the historical ledger, and trips the daily-loss or
// drawdown breakers when their thresholds are crossed.
func (t *Tracker) ClosePosition(id string, exitPrice float64) (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clk.Now().In(t.loc)
	t.maybeResetDailyLocked(now)

	pos, ok := t.positions[id]
	if !ok {
		return 0, ErrPositionNotFound
	}

	realized := (exitPrice - pos.EntryPrice) * float64(pos.Quantity)
	pos.RealizedPnL = realized
	delete(t.positions, id)

	t.exposure.DailyRealizedPnL += realized
	t.recomputeExposureLocked()
	t.history = append(t.history, ClosedPosition{Position: *pos, ExitPrice: exitPrice, ExitTime: now})

	equity := t.limits.Capital + t.exposure.DailyRealizedPnL
	if equity > t.peakEquity {
		t.peakEquity = equity
	}

	if t.exposure.DailyRealizedPnL <= -t.limits.MaxDailyLoss {
		t.tripBreakerLocked(BreakerDailyLoss, now, fmt.Sprintf(
			"daily loss %.2f breached limit %.2f", t.exposure.DailyRealizedPnL, t.limits.MaxDailyLoss))
	}

	drawdownCap := t.limits.Capital * t.limits.MaxDrawdownPct / 100
	if t.peakEquity-equity >= drawdownCap {
		t.tripBreakerLocked(BreakerDrawdownLimit, now, fmt.Sprintf(
			"drawdown %.2f from peak breached limit %.2f", t.peakEquity-equity, drawdownCap))
	}

	log.Info().Str("position", id).Str("symbol", pos.Symbol).
		Float64("realized_pnl", realized).
		Float64("daily_pnl", t.exposure.DailyRealizedPnL).
		Msg("position closed")

	return realized, nil
}

// TriggerBreaker trips a named breaker from outside the tracker, e.g. the
// safety controller or an operator action.
func (t *Tracker) TriggerBreaker(name, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.breakers[name]; !ok {
		return fmt.Errorf("unknown breaker %q", name)
	}
	t.tripBreakerLocked(name, t.clk.Now().In(t.loc), reason)
	return nil
}

// ClearBreaker manually resets a breaker before its cooldown elapses.
func (t *Tracker) ClearBreaker(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.breakers[name]
	if !ok {
		return fmt.Errorf("unknown breaker %q", name)
	}
	b.Triggered = false
	log.Warn().Str("breaker", name).Msg("circuit breaker manually cleared")
	return nil
}

// ClearExpiredBreakers resets any breaker whose cooldown has elapsed.
// Called by the safety controller's background monitor.
func (t *Tracker) ClearExpiredBreakers() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clk.Now().In(t.loc)
	cleared := 0
	for _, b := range t.breakers {
		if b.ClearIfExpired(now) {
			cleared++
		}
	}
	return cleared
}

// DailyPnL returns the realized P&L accumulated today.
func (t *Tracker) DailyPnL() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.exposure.DailyRealizedPnL
}

// OpenPositions returns a copy of the open position set.
func (t *Tracker) OpenPositions() []Position {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Position, 0, len(t.positions))
	for _, p := range t.positions {
		out = append(out, *p)
	}
	return out
}

// History returns a copy of the closed-position ledger.
func (t *Tracker) History() []ClosedPosition {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]ClosedPosition, len(t.history))
	copy(out, t.history)
	return out
}

// RiskStatus is a read-only snapshot of tracker state.
type RiskStatus struct {
	PositionCount        int             `json:"position_count"`
	PositionLimit        int             `json:"position_limit"`
	PositionUtilization  float64         `json:"position_utilization"`
	Exposure             float64         `json:"exposure"`
	ExposureLimit        float64         `json:"exposure_limit"`
	ExposureUtilization  float64         `json:"exposure_utilization"`
	DailyPnL             float64         `json:"daily_pnl"`
	DailyLossLimit       float64         `json:"daily_loss_limit"`
	DailyLossUtilization float64         `json:"daily_loss_utilization"`
	AvailableCapital     float64         `json:"available_capital"`
	Breakers             []BreakerStatus `json:"breakers"`
	Alerts               []Alert         `json:"alerts"`
}

// GetRiskStatus returns a copy taken under a brief read lock, safe to call
// concurrently with mutations.
func (t *Tracker) GetRiskStatus() RiskStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	exposureCap := t.limits.Capital * t.limits.MaxExposurePct / 100

	status := RiskStatus{
		PositionCount:    len(t.positions),
		PositionLimit:    t.limits.MaxConcurrentPos,
		Exposure:         t.exposure.Total,
		ExposureLimit:    exposureCap,
		DailyPnL:         t.exposure.DailyRealizedPnL,
		DailyLossLimit:   t.limits.MaxDailyLoss,
		AvailableCapital: t.exposure.AvailableCapital,
	}
	if t.limits.MaxConcurrentPos > 0 {
		status.PositionUtilization = float64(len(t.positions)) / float64(t.limits.MaxConcurrentPos)
	}
	if exposureCap > 0 {
		status.ExposureUtilization = t.exposure.Total / exposureCap
	}
	if t.limits.MaxDailyLoss > 0 && t.exposure.DailyRealizedPnL < 0 {
		status.DailyLossUtilization = -t.exposure.DailyRealizedPnL / t.limits.MaxDailyLoss
	}

	for _, b := range t.breakers {
		status.Breakers = append(status.Breakers, BreakerStatus{
			Name:         b.Name,
			Triggered:    b.Triggered,
			TriggerCount: b.TriggerCount,
			LastTrigger:  b.LastTrigger,
			Cooldown:     b.Cooldown.String(),
		})
	}
	sort.Slice(status.Breakers, func(i, j int) bool {
		return status.Breakers[i].Name < status.Breakers[j].Name
	})
	status.Alerts = make([]Alert, len(t.alerts))
	copy(status.Alerts, t.alerts)

	return status
}

// sessionOpenAt reports whether now falls inside the trading window.
func (t *Tracker) sessionOpenAt(now time.Time) bool {
	minutes := now.Hour()*60 + now.Minute()
	open := t.sessionOpenHour*60 + t.sessionOpenMin
	close := t.sessionCloseHour*60 + t.sessionCloseMin
	return minutes >= open && minutes <= close
}

// maybeResetDailyLocked resets daily counters exactly once when the date
// changes. Caller holds the write lock.
func (t *Tracker) maybeResetDailyLocked(now time.Time) {
	date := now.Format("2006-01-02")
	if date == t.lastResetDate {
		return
	}
	t.lastResetDate = date
	t.exposure.DailyRealizedPnL = 0
	t.peakEquity = t.limits.Capital
	t.alerts = nil
	log.Info().Str("date", date).Msg("daily risk counters reset")
}

// recomputeExposureLocked rebuilds the exposure aggregate from the open
// set so it can never drift from the positions it summarizes.
func (t *Tracker) recomputeExposureLocked() {
	total := 0.0
	margin := 0.0
	for _, p := range t.positions {
		total += math.Abs(float64(p.Quantity)) * p.LastPrice
		margin += p.MarginUsed
	}
	t.exposure.Total = total
	t.exposure.AvailableCapital = t.limits.Capital + t.exposure.DailyRealizedPnL - margin
}

// maybeExposureAlertLocked raises a warning once exposure reaches 90% of
// its cap. Deduplicated against the most recent alert so a run of ticks
// near the threshold does not flood the ring.
func (t *Tracker) maybeExposureAlertLocked(now time.Time, symbol string) {
	limit := t.limits.Capital * t.limits.MaxExposurePct / 100
	if limit <= 0 || t.exposure.Total < 0.9*limit {
		return
	}
	msg := fmt.Sprintf("exposure %.2f at %.0f%% of limit %.2f",
		t.exposure.Total, t.exposure.Total/limit*100, limit)
	if n := len(t.alerts); n > 0 && t.alerts[n-1].Message == msg {
		return
	}
	t.addAlertLocked(now, "warning", symbol, msg)
}

func (t *Tracker) tripBreakerLocked(name string, now time.Time, reason string) {
	b := t.breakers[name]
	if b.Active(now) {
		return
	}
	b.Trip(now)
	t.addAlertLocked(now, "critical", "", fmt.Sprintf("circuit breaker %s triggered: %s", name, reason))
	log.Error().Str("breaker", name).Str("reason", reason).Msg("circuit breaker triggered")
}

func (t *Tracker) addAlertLocked(now time.Time, severity, symbol, msg string) {
	t.alerts = append(t.alerts, Alert{Time: now, Severity: severity, Symbol: symbol, Message: msg})
	if len(t.alerts) > maxAlerts {
		t.alerts = t.alerts[len(t.alerts)-maxAlerts:]
	}
}
