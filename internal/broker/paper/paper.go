// Package paper provides a simulated broker so the admission plane runs
// end-to-end without a live broker session. Orders fill instantly at the
// requested price; latency and failures can be injected for drills.
package paper

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/naveenvino/tradegate/internal/gateway"
)

// Broker is an in-memory BrokerClient.
type Broker struct {
	mu      sync.Mutex
	fills   []gateway.Fill
	pending map[string]gateway.BrokerOrder

	// Latency delays every call; FailureRate in [0,1) makes Place fail
	// randomly for halt/retry drills.
	Latency     time.Duration
	FailureRate float64
}

// New returns an empty paper broker.
func New() *Broker {
	return &Broker{pending: make(map[string]gateway.BrokerOrder)}
}

// Place fills the order at its requested price.
func (b *Broker) Place(ctx context.Context, order gateway.BrokerOrder) (*gateway.Fill, error) {
	if err := b.simulate(ctx); err != nil {
		return nil, err
	}
	if b.FailureRate > 0 && rand.Float64() < b.FailureRate {
		return nil, fmt.Errorf("simulated broker failure for order %s", order.ID)
	}

	fill := gateway.Fill{
		OrderID:  order.ID,
		Symbol:   order.Symbol,
		Quantity: order.Quantity,
		AvgPrice: order.Price,
		FilledAt: time.Now(),
	}

	b.mu.Lock()
	b.fills = append(b.fills, fill)
	b.mu.Unlock()

	log.Debug().Str("order", order.ID).Str("symbol", order.Symbol).
		Str("side", order.Side).Int("quantity", order.Quantity).
		Msg("paper fill")
	return &fill, nil
}

// Cancel removes a pending order. Instant fills mean there is usually
// nothing pending; cancelling an unknown id is not an error, matching
// broker semantics for already-executed orders.
func (b *Broker) Cancel(ctx context.Context, orderID string) error {
	if err := b.simulate(ctx); err != nil {
		return err
	}
	b.mu.Lock()
	delete(b.pending, orderID)
	b.mu.Unlock()
	return nil
}

// OpenOrders lists pending orders.
func (b *Broker) OpenOrders(ctx context.Context) ([]gateway.BrokerOrder, error) {
	if err := b.simulate(ctx); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]gateway.BrokerOrder, 0, len(b.pending))
	for _, o := range b.pending {
		out = append(out, o)
	}
	return out, nil
}

// Fills returns a copy of every fill so far.
func (b *Broker) Fills() []gateway.Fill {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]gateway.Fill, len(b.fills))
	copy(out, b.fills)
	return out
}

func (b *Broker) simulate(ctx context.Context) error {
	if b.Latency <= 0 {
		return nil
	}
	select {
	case <-time.After(b.Latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
