package gateway

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/naveenvino/tradegate/internal/config"
)

// BrokerOrder is the order handed to the external broker client.
type BrokerOrder struct {
	ID       string  `json:"id"`
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"` // "BUY" or "SELL"
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
	Kind     string  `json:"kind"` // "LIMIT", "MARKET", ...
}

// Fill is the broker's confirmation of an executed order.
type Fill struct {
	OrderID  string    `json:"order_id"`
	Symbol   string    `json:"symbol"`
	Quantity int       `json:"quantity"`
	AvgPrice float64   `json:"avg_price"`
	FilledAt time.Time `json:"filled_at"`
}

// BrokerClient is the external collaborator that talks the broker wire
// protocol. Implementations own their timeouts and retries; the gateway
// never blocks a component lock on a broker call.
type BrokerClient interface {
	Place(ctx context.Context, order BrokerOrder) (*Fill, error)
	Cancel(ctx context.Context, orderID string) error
	OpenOrders(ctx context.Context) ([]BrokerOrder, error)
}

// guardedBroker wraps a BrokerClient with a circuit breaker so a flapping
// broker transport fails fast instead of eating the 30s call timeout on
// every order.
type guardedBroker struct {
	client  BrokerClient
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
}

func newGuardedBroker(client BrokerClient, cfg config.BrokerConfig) *guardedBroker {
	settings := gobreaker.Settings{
		Name:    "broker",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("broker circuit breaker state change")
		},
	}
	return &guardedBroker{
		client:  client,
		breaker: gobreaker.NewCircuitBreaker(settings),
		timeout: cfg.CallTimeout,
	}
}

func (g *guardedBroker) Place(ctx context.Context, order BrokerOrder) (*Fill, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	result, err := g.breaker.Execute(func() (interface{}, error) {
		return g.client.Place(callCtx, order)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Fill), nil
}

func (g *guardedBroker) Cancel(ctx context.Context, orderID string) error {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	_, err := g.breaker.Execute(func() (interface{}, error) {
		return nil, g.client.Cancel(callCtx, orderID)
	})
	return err
}

func (g *guardedBroker) OpenOrders(ctx context.Context) ([]BrokerOrder, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	result, err := g.breaker.Execute(func() (interface{}, error) {
		return g.client.OpenOrders(callCtx)
	})
	if err != nil {
		return nil, err
	}
	return result.([]BrokerOrder), nil
}
