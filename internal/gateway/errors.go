package gateway

import (
	"errors"
	"fmt"
)

// ErrTradingHalted is returned when the kill switch or emergency stop
// flips between validation and broker dispatch.
var ErrTradingHalted = errors.New("trading halted")

// RateLimitError is returned when the rate limiter rejects the caller.
type RateLimitError struct {
	ClientKey string
	Reason    string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: %s", e.ClientKey, e.Reason)
}

// SafetyRejectionError carries the safety controller's reason code.
type SafetyRejectionError struct {
	Reason string
}

func (e *SafetyRejectionError) Error() string {
	return fmt.Sprintf("order rejected by safety controller: %s", e.Reason)
}

// BrokerExecutionError reports a broker-side failure, including how many
// iceberg chunks succeeded before it so the caller can reconcile partial
// fills.
type BrokerExecutionError struct {
	Err             error
	ChunksSucceeded int
	ChunksTotal     int
	FilledQuantity  int
}

func (e *BrokerExecutionError) Error() string {
	return fmt.Sprintf("broker execution failed after %d/%d chunks (%d filled): %v",
		e.ChunksSucceeded, e.ChunksTotal, e.FilledQuantity, e.Err)
}

func (e *BrokerExecutionError) Unwrap() error { return e.Err }
