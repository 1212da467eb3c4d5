package risk

import (
	"errors"
	"fmt"
)

// ErrMarketClosed is returned when an order arrives outside the configured
// trading session.
var ErrMarketClosed = errors.New("market session closed")

// ErrPositionNotFound is returned when an update or close references an
// unknown position id.
var ErrPositionNotFound = errors.New("position not found")

// CircuitBreakerError is returned when a triggered breaker blocks admission.
type CircuitBreakerError struct {
	Breaker string
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker %q active", e.Breaker)
}

// PositionLimitError is returned when the concurrent position cap is reached.
type PositionLimitError struct {
	Current int
	Limit   int
}

func (e *PositionLimitError) Error() string {
	return fmt.Sprintf("position limit exceeded: %d open, limit %d", e.Current, e.Limit)
}

// RiskLimitError identifies which limit failed and by how much.
type RiskLimitError struct {
	Limit     string  // "position_size", "symbol_positions", "trade_size", "exposure", "concentration"
	Current   float64 // Observed value
	Threshold float64 // Configured ceiling
}

func (e *RiskLimitError) Error() string {
	return fmt.Sprintf("risk limit %s exceeded: %.2f > %.2f", e.Limit, e.Current, e.Threshold)
}

// InsufficientFundsError is returned when required margin exceeds the
// usable share of available capital.
type InsufficientFundsError struct {
	Required  float64
	Available float64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: margin %.2f required, %.2f usable", e.Required, e.Available)
}
