package safety

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
)

// Order carries the fields the safety controller gates on. Side is "BUY"
// or "SELL"; Kind is the order type ("LIMIT", "MARKET", ...).
type Order struct {
	Symbol   string
	Side     string
	Quantity int
	Price    float64
	Kind     string
	Lots     int
}

// Notional returns the absolute order value.
func (o Order) Notional() float64 {
	return math.Abs(float64(o.Quantity)) * o.Price
}

// Fingerprint is a pure function of the order-defining fields, used to
// detect resubmission of a structurally identical order.
func (o Order) Fingerprint() string {
	payload := fmt.Sprintf("%s|%s|%d|%.4f|%s", o.Symbol, o.Side, o.Quantity, o.Price, o.Kind)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
