package risk

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/naveenvino/tradegate/internal/clock"
	"github.com/naveenvino/tradegate/internal/config"
)

func testLimits() config.RiskConfig {
	return config.RiskConfig{
		Capital:               500000,
		MaxPositionSize:       1800,
		MaxDailyLoss:          50000,
		MaxConcurrentPos:      3,
		MaxPositionsPerSymbol: 1,
		MaxExposurePct:        80,
		MaxSingleTradeSize:    100000,
		StopLossPct:           30,
		MaxDrawdownPct:        20,
		ConcentrationPct:      40,
		BreakerCooldown:       5 * time.Minute,
	}
}

func testSession() config.SessionConfig {
	return config.SessionConfig{Open: "09:15", Close: "15:30"}
}

// sessionTime returns an instant whose IST local time is 10:30, well inside
// the trading window.
func sessionTime(t *testing.T) time.Time {
	t.Helper()
	ist, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	return time.Date(2026, 2, 3, 10, 30, 0, 0, ist)
}

func newTestTracker(t *testing.T, limits config.RiskConfig) (*Tracker, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(sessionTime(t))
	tracker, err := NewTracker(limits, testSession(), clk)
	require.NoError(t, err)
	return tracker, clk
}

func TestValidateNewPosition_SessionWindow(t *testing.T) {
	tracker, clk := newTestTracker(t, testLimits())

	// 10:30 IST is inside the session.
	assert.NoError(t, tracker.ValidateNewPosition("NIFTY24500CE", -900, 50, "CE", 10000))

	// 08:00 IST is before the open.
	ist, _ := time.LoadLocation("Asia/Kolkata")
	clk.Set(time.Date(2026, 2, 3, 8, 0, 0, 0, ist))
	assert.ErrorIs(t, tracker.ValidateNewPosition("NIFTY24500CE", -900, 50, "CE", 10000), ErrMarketClosed)

	// 16:00 IST is after the close.
	clk.Set(time.Date(2026, 2, 3, 16, 0, 0, 0, ist))
	assert.ErrorIs(t, tracker.ValidateNewPosition("NIFTY24500CE", -900, 50, "CE", 10000), ErrMarketClosed)

	// The close minute itself is still tradable.
	clk.Set(time.Date(2026, 2, 3, 15, 30, 0, 0, ist))
	assert.NoError(t, tracker.ValidateNewPosition("NIFTY24500CE", -900, 50, "CE", 10000))
}

func TestValidateNewPosition_SizeAndCountLimits(t *testing.T) {
	tracker, _ := newTestTracker(t, testLimits())

	// |quantity| over the ceiling, short and long alike.
	var sizeErr *RiskLimitError
	err := tracker.ValidateNewPosition("NIFTY24500CE", -1801, 10, "CE", 1000)
	require.ErrorAs(t, err, &sizeErr)
	assert.Equal(t, "position_size", sizeErr.Limit)

	err = tracker.ValidateNewPosition("NIFTY24500CE", 1801, 10, "CE", 1000)
	require.ErrorAs(t, err, &sizeErr)

	// Fill the three concurrent slots.
	for _, sym := range []string{"NIFTY24500CE", "NIFTY24300PE", "BANKNIFTY52000CE"} {
		_, err := tracker.AddPosition(sym, -300, 50, "CE", 10000)
		require.NoError(t, err)
	}

	var posErr *PositionLimitError
	err = tracker.ValidateNewPosition("FINNIFTY23000CE", -300, 50, "CE", 10000)
	require.ErrorAs(t, err, &posErr)
	assert.Equal(t, 3, posErr.Current)
}

func TestValidateNewPosition_PerSymbolLimit(t *testing.T) {
	tracker, _ := newTestTracker(t, testLimits())

	_, err := tracker.AddPosition("NIFTY24500CE", -300, 50, "CE", 10000)
	require.NoError(t, err)

	var limitErr *RiskLimitError
	err = tracker.ValidateNewPosition("NIFTY24500CE", -300, 50, "CE", 10000)
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, "symbol_positions", limitErr.Limit)

	// A different symbol is still fine.
	assert.NoError(t, tracker.ValidateNewPosition("NIFTY24300PE", -300, 50, "PE", 10000))
}

func TestValidateNewPosition_NotionalLimits(t *testing.T) {
	tracker, _ := newTestTracker(t, testLimits())

	// 1500 x 70 = 105000 > 100000 single-trade cap.
	var limitErr *RiskLimitError
	err := tracker.ValidateNewPosition("NIFTY24500CE", -1500, 70, "CE", 10000)
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, "trade_size", limitErr.Limit)

	// Push exposure near the 400000 cap, then a trade that would cross it.
	limits := testLimits()
	limits.MaxConcurrentPos = 10
	tracker2, _ := newTestTracker(t, limits)
	for _, sym := range []string{"A", "B", "C", "D"} {
		_, err := tracker2.AddPosition(sym, -900, 110, "CE", 10000) // 396000 total
		require.NoError(t, err)
	}
	err = tracker2.ValidateNewPosition("E", -900, 110, "CE", 10000)
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, "exposure", limitErr.Limit)
}

func TestValidateNewPosition_MarginHeadroom(t *testing.T) {
	tracker, _ := newTestTracker(t, testLimits())

	// 90% of 500000 available capital is usable.
	var fundsErr *InsufficientFundsError
	err := tracker.ValidateNewPosition("NIFTY24500CE", -300, 50, "CE", 450001)
	require.ErrorAs(t, err, &fundsErr)
	assert.InDelta(t, 450000, fundsErr.Available, 0.01)

	assert.NoError(t, tracker.ValidateNewPosition("NIFTY24500CE", -300, 50, "CE", 450000))
}

func TestValidateNewPosition_Concentration(t *testing.T) {
	limits := testLimits()
	limits.MaxSingleTradeSize = 1000000 // Let concentration bind first
	tracker, _ := newTestTracker(t, limits)

	// 40% of 500000 is 200000; 1500 x 140 = 210000 crosses it.
	var limitErr *RiskLimitError
	err := tracker.ValidateNewPosition("NIFTY24500CE", -1500, 140, "CE", 10000)
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, "concentration", limitErr.Limit)
}

func TestValidateNewPosition_BreakerBlocksAdmission(t *testing.T) {
	tracker, clk := newTestTracker(t, testLimits())

	require.NoError(t, tracker.TriggerBreaker(BreakerDailyLoss, "manual"))

	var cbErr *CircuitBreakerError
	err := tracker.ValidateNewPosition("NIFTY24500CE", -300, 50, "CE", 10000)
	require.ErrorAs(t, err, &cbErr)
	assert.Equal(t, BreakerDailyLoss, cbErr.Breaker)

	// Cooldown elapses; admission resumes without an explicit clear.
	clk.Advance(5*time.Minute + time.Second)
	assert.NoError(t, tracker.ValidateNewPosition("NIFTY24500CE", -300, 50, "CE", 10000))
}

func TestExposureInvariant(t *testing.T) {
	tracker, _ := newTestTracker(t, testLimits())

	p1, err := tracker.AddPosition("NIFTY24500CE", -900, 50, "CE", 60000)
	require.NoError(t, err)
	p2, err := tracker.AddPosition("NIFTY24300PE", 600, 40, "PE", 40000)
	require.NoError(t, err)

	assertExposureInvariant(t, tracker)

	require.NoError(t, tracker.UpdatePosition(p1.ID, 65))
	require.NoError(t, tracker.UpdatePosition(p2.ID, 35))
	assertExposureInvariant(t, tracker)

	_, err = tracker.ClosePosition(p1.ID, 60)
	require.NoError(t, err)
	assertExposureInvariant(t, tracker)
}

// assertExposureInvariant checks total exposure equals the sum of
// |quantity x last price| over the open set.
func assertExposureInvariant(t *testing.T, tracker *Tracker) {
	t.Helper()
	want := 0.0
	for _, p := range tracker.OpenPositions() {
		want += math.Abs(float64(p.Quantity)) * p.LastPrice
	}
	assert.InDelta(t, want, tracker.GetRiskStatus().Exposure, 0.001)
}

func TestStopLossAlerts_SignAware(t *testing.T) {
	tracker, _ := newTestTracker(t, testLimits())

	short, err := tracker.AddPosition("NIFTY24500CE", -900, 100, "CE", 60000)
	require.NoError(t, err)
	long, err := tracker.AddPosition("NIFTY24300PE", 600, 100, "PE", 40000)
	require.NoError(t, err)

	// Short breaches when price rises 30%: 130 is the threshold.
	require.NoError(t, tracker.UpdatePosition(short.ID, 129))
	assert.Empty(t, tracker.GetRiskStatus().Alerts)

	require.NoError(t, tracker.UpdatePosition(short.ID, 130))
	alerts := tracker.GetRiskStatus().Alerts
	require.Len(t, alerts, 1)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Equal(t, "NIFTY24500CE", alerts[0].Symbol)

	// Long breaches when price falls 30%: 70 is the threshold.
	require.NoError(t, tracker.UpdatePosition(long.ID, 71))
	assert.Len(t, tracker.GetRiskStatus().Alerts, 1)

	require.NoError(t, tracker.UpdatePosition(long.ID, 70))
	assert.Len(t, tracker.GetRiskStatus().Alerts, 2)
}

func TestClosePosition_RealizedPnLAndDailyLossBreaker(t *testing.T) {
	tracker, _ := newTestTracker(t, testLimits())

	// Short 900 at 50, closed at 100: (100-50) x (-900) = -45000.
	pos, err := tracker.AddPosition("NIFTY24500CE", -900, 50, "CE", 60000)
	require.NoError(t, err)
	realized, err := tracker.ClosePosition(pos.ID, 100)
	require.NoError(t, err)
	assert.InDelta(t, -45000, realized, 0.001)
	assert.InDelta(t, -45000, tracker.DailyPnL(), 0.001)

	// Another 6000 loss crosses the 50000 daily cap and trips the breaker.
	pos, err = tracker.AddPosition("NIFTY24300PE", -600, 40, "PE", 40000)
	require.NoError(t, err)
	_, err = tracker.ClosePosition(pos.ID, 50)
	require.NoError(t, err)

	var cbErr *CircuitBreakerError
	err = tracker.ValidateNewPosition("BANKNIFTY52000CE", -300, 50, "CE", 10000)
	require.ErrorAs(t, err, &cbErr)
	assert.Equal(t, BreakerDailyLoss, cbErr.Breaker)
}

func TestClosePosition_ProfitThenDrawdownBreaker(t *testing.T) {
	tracker, _ := newTestTracker(t, testLimits())

	// A 60000 win lifts peak equity to 560000.
	pos, err := tracker.AddPosition("NIFTY24500CE", 1200, 50, "CE", 60000)
	require.NoError(t, err)
	_, err = tracker.ClosePosition(pos.ID, 100)
	require.NoError(t, err)

	// A 20000 give-back is within the 100000 drawdown cap.
	pos, err = tracker.AddPosition("NIFTY24300PE", -500, 40, "PE", 20000)
	require.NoError(t, err)
	_, err = tracker.ClosePosition(pos.ID, 80)
	require.NoError(t, err)
	assert.NoError(t, tracker.ValidateNewPosition("X", -300, 50, "CE", 10000))

	// Losing 100000 from the 560000 peak trips the drawdown breaker even
	// though daily P&L is still well above the loss cap.
	pos, err = tracker.AddPosition("BANKNIFTY52000CE", -800, 50, "CE", 40000)
	require.NoError(t, err)
	_, err = tracker.ClosePosition(pos.ID, 150)
	require.NoError(t, err)

	var cbErr *CircuitBreakerError
	err = tracker.ValidateNewPosition("X", -300, 50, "CE", 10000)
	require.ErrorAs(t, err, &cbErr)
	assert.Equal(t, BreakerDrawdownLimit, cbErr.Breaker)
}

func TestDailyReset_OncePerDateChange(t *testing.T) {
	tracker, clk := newTestTracker(t, testLimits())

	pos, err := tracker.AddPosition("NIFTY24500CE", -900, 50, "CE", 60000)
	require.NoError(t, err)
	_, err = tracker.ClosePosition(pos.ID, 60)
	require.NoError(t, err)
	assert.InDelta(t, -9000, tracker.DailyPnL(), 0.001)

	// Next trading day: counters reset lazily on the first touch.
	clk.Advance(24 * time.Hour)
	assert.InDelta(t, -9000, tracker.DailyPnL(), 0.001) // Read path does not reset

	require.NoError(t, tracker.ValidateNewPosition("NIFTY24500CE", -300, 50, "CE", 10000))
	assert.Zero(t, tracker.DailyPnL())
	assert.Empty(t, tracker.GetRiskStatus().Alerts)

	// A second touch the same day must not reset again.
	pos, err = tracker.AddPosition("NIFTY24500CE", -300, 50, "CE", 10000)
	require.NoError(t, err)
	_, err = tracker.ClosePosition(pos.ID, 55)
	require.NoError(t, err)
	before := tracker.DailyPnL()
	require.NoError(t, tracker.ValidateNewPosition("NIFTY24300PE", -300, 50, "PE", 10000))
	assert.InDelta(t, before, tracker.DailyPnL(), 0.001)
}

func TestExposureWarningAlert(t *testing.T) {
	limits := testLimits()
	limits.MaxConcurrentPos = 10
	limits.MaxExposurePct = 40 // 200000 cap, warning from 180000
	tracker, _ := newTestTracker(t, limits)

	_, err := tracker.AddPosition("A", -900, 110, "CE", 10000) // 99000
	require.NoError(t, err)
	assert.Empty(t, tracker.GetRiskStatus().Alerts)

	pos, err := tracker.AddPosition("B", -900, 95, "CE", 10000) // 184500 total
	require.NoError(t, err)
	alerts := tracker.GetRiskStatus().Alerts
	require.Len(t, alerts, 1)
	assert.Equal(t, "warning", alerts[0].Severity)

	// A repeated tick at the same exposure does not flood the ring.
	require.NoError(t, tracker.UpdatePosition(pos.ID, 95))
	assert.Len(t, tracker.GetRiskStatus().Alerts, 1)
}

func TestClosePosition_Unknown(t *testing.T) {
	tracker, _ := newTestTracker(t, testLimits())
	_, err := tracker.ClosePosition("missing", 50)
	assert.True(t, errors.Is(err, ErrPositionNotFound))
}

func TestBreakerLifecycle(t *testing.T) {
	tracker, clk := newTestTracker(t, testLimits())

	require.NoError(t, tracker.TriggerBreaker(BreakerExposureLimit, "test"))
	assert.Error(t, tracker.TriggerBreaker("bogus", "test"))

	// Manual clear beats the cooldown.
	require.NoError(t, tracker.ClearBreaker(BreakerExposureLimit))
	assert.NoError(t, tracker.ValidateNewPosition("X", -300, 50, "CE", 10000))

	// Expired breakers clear in bulk.
	require.NoError(t, tracker.TriggerBreaker(BreakerExposureLimit, "test"))
	require.NoError(t, tracker.TriggerBreaker(BreakerDrawdownLimit, "test"))
	assert.Zero(t, tracker.ClearExpiredBreakers())
	clk.Advance(6 * time.Minute)
	assert.Equal(t, 2, tracker.ClearExpiredBreakers())
}

func TestGetRiskStatus_Utilizations(t *testing.T) {
	tracker, _ := newTestTracker(t, testLimits())

	_, err := tracker.AddPosition("NIFTY24500CE", -900, 100, "CE", 60000)
	require.NoError(t, err)

	status := tracker.GetRiskStatus()
	assert.Equal(t, 1, status.PositionCount)
	assert.InDelta(t, 1.0/3.0, status.PositionUtilization, 0.001)
	assert.InDelta(t, 90000, status.Exposure, 0.001)
	assert.InDelta(t, 90000.0/400000.0, status.ExposureUtilization, 0.001)
	assert.Zero(t, status.DailyLossUtilization)

	// Breakers come back in a stable name order regardless of map layout.
	names := make([]string, 0, len(status.Breakers))
	for _, b := range status.Breakers {
		names = append(names, b.Name)
	}
	assert.Equal(t, []string{
		BreakerDailyLoss, BreakerDrawdownLimit, BreakerExposureLimit, BreakerMaxPositions,
	}, names)
}
