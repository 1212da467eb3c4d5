// Package gateway composes the rate limiter, safety controller and risk
// tracker into one synchronous admission decision, and is the only
// component that talks to the broker client. All broker calls happen
// outside the three components' locks.
package gateway

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/naveenvino/tradegate/internal/audit"
	"github.com/naveenvino/tradegate/internal/clock"
	"github.com/naveenvino/tradegate/internal/config"
	"github.com/naveenvino/tradegate/internal/ratelimit"
	"github.com/naveenvino/tradegate/internal/risk"
	"github.com/naveenvino/tradegate/internal/safety"
)

// orderPath is the rate-limit path class for order placement, whether the
// request arrived over HTTP or from an internal strategy.
const orderPath = "/api/orders"

// OrderRequest is an inbound order from a webhook or API caller.
type OrderRequest struct {
	ClientKey      string  `json:"-"`
	Symbol         string  `json:"symbol"`
	Side           string  `json:"side"` // "BUY" or "SELL"
	Quantity       int     `json:"quantity"`
	Price          float64 `json:"price"`
	Kind           string  `json:"kind"`
	Lots           int     `json:"lots"`
	MarginRequired float64 `json:"margin_required"`
}

// signedQuantity maps BUY to positive and SELL to negative quantity, the
// risk tracker's convention for written options.
func (r OrderRequest) signedQuantity() int {
	if r.Side == "SELL" {
		return -r.Quantity
	}
	return r.Quantity
}

// PlaceResult reports an accepted and executed order.
type PlaceResult struct {
	Position *risk.Position `json:"position"`
	Fill     Fill           `json:"fill"`
	Chunks   int            `json:"chunks"` // Iceberg chunks dispatched
}

// LedgerRecorder receives every closed position for durable bookkeeping.
// Implementations must not block the trading path.
type LedgerRecorder interface {
	RecordClose(ctx context.Context, pos risk.ClosedPosition)
}

// Gateway is the order admission gateway.
type Gateway struct {
	limiter *ratelimit.Limiter
	safety  *safety.Controller
	risk    *risk.Tracker
	broker  *guardedBroker
	sink    audit.Sink
	ledger  LedgerRecorder
	clk     clock.Clock
	cfg     config.BrokerConfig
}

// New wires the admission pipeline and registers the gateway as the
// safety controller's flattener.
func New(limiter *ratelimit.Limiter, safetyCtl *safety.Controller, tracker *risk.Tracker,
	broker BrokerClient, sink audit.Sink, clk clock.Clock, cfg config.BrokerConfig) *Gateway {
	if sink == nil {
		sink = audit.NewLogSink()
	}
	g := &Gateway{
		limiter: limiter,
		safety:  safetyCtl,
		risk:    tracker,
		broker:  newGuardedBroker(broker, cfg),
		sink:    sink,
		clk:     clk,
		cfg:     cfg,
	}
	safetyCtl.SetFlattener(g)
	return g
}

// SetLedger wires an optional durable ledger for closed positions.
func (g *Gateway) SetLedger(l LedgerRecorder) {
	g.ledger = l
}

// PlaceOrder runs the full admission pipeline: rate limiter, safety
// controller, risk tracker, then the broker. The first rejection
// short-circuits with its specific reason. On a broker error the
// already-consumed rate-limit token and duplicate fingerprint stay
// consumed; allowing free retries of a failed order risks duplicate
// fills, which is the worse failure.
func (g *Gateway) PlaceOrder(ctx context.Context, req OrderRequest) (*PlaceResult, error) {
	if allowed, reason := g.limiter.Allow(req.ClientKey, orderPath); !allowed {
		return nil, &RateLimitError{ClientKey: req.ClientKey, Reason: reason}
	}

	ok, reason := g.safety.ValidateOrder(safety.Order{
		Symbol:   req.Symbol,
		Side:     req.Side,
		Quantity: req.Quantity,
		Price:    req.Price,
		Kind:     req.Kind,
		Lots:     req.Lots,
	})
	if !ok {
		g.auditRejection(req, reason)
		return nil, &SafetyRejectionError{Reason: reason}
	}

	if err := g.risk.ValidateNewPosition(req.Symbol, req.signedQuantity(), req.Price, req.Kind, req.MarginRequired); err != nil {
		g.auditRejection(req, err.Error())
		return nil, err
	}

	fill, chunks, err := g.execute(ctx, req)
	if err != nil {
		g.sink.Log(audit.NewEvent(audit.KindOrderFailed, "warning", "broker execution failed",
			map[string]interface{}{"symbol": req.Symbol, "side": req.Side, "error": err.Error()}))
		return nil, err
	}

	pos, err := g.risk.AddPosition(req.Symbol, signOf(req.Side)*fill.Quantity, fill.AvgPrice, req.Kind, req.MarginRequired)
	if err != nil {
		return nil, fmt.Errorf("fill confirmed but position not recorded: %w", err)
	}

	g.sink.Log(audit.NewEvent(audit.KindOrderAccepted, "info", "order executed",
		map[string]interface{}{
			"position": pos.ID, "symbol": req.Symbol, "side": req.Side,
			"quantity": fill.Quantity, "avg_price": fill.AvgPrice, "chunks": chunks,
		}))

	return &PlaceResult{Position: pos, Fill: *fill, Chunks: chunks}, nil
}

// execute dispatches the order to the broker, splitting it into
// sequential iceberg chunks when it exceeds the per-order ceiling. The
// halt flag is re-checked immediately before every dispatch so a kill
// switch flipped mid-flight stops the next chunk.
func (g *Gateway) execute(ctx context.Context, req OrderRequest) (*Fill, int, error) {
	chunks := splitQuantity(req.Quantity, g.cfg.MaxOrderQuantity)

	filledQty := 0
	weightedPrice := 0.0
	var lastFill *Fill

	for i, chunkQty := range chunks {
		// Double-check just before the point of no return.
		if g.safety.Halted() {
			if filledQty > 0 {
				g.recordPartial(req, filledQty, weightedPrice)
			}
			return nil, i, &BrokerExecutionError{
				Err:             ErrTradingHalted,
				ChunksSucceeded: i,
				ChunksTotal:     len(chunks),
				FilledQuantity:  filledQty,
			}
		}

		fill, err := g.broker.Place(ctx, BrokerOrder{
			ID:       uuid.NewString(),
			Symbol:   req.Symbol,
			Side:     req.Side,
			Quantity: chunkQty,
			Price:    req.Price,
			Kind:     req.Kind,
		})
		if err != nil {
			if filledQty > 0 {
				g.recordPartial(req, filledQty, weightedPrice)
			}
			return nil, i, &BrokerExecutionError{
				Err:             err,
				ChunksSucceeded: i,
				ChunksTotal:     len(chunks),
				FilledQuantity:  filledQty,
			}
		}

		filledQty += fill.Quantity
		weightedPrice += fill.AvgPrice * float64(fill.Quantity)
		lastFill = fill
	}

	avg := req.Price
	if filledQty > 0 {
		avg = weightedPrice / float64(filledQty)
	}
	return &Fill{
		OrderID:  lastFill.OrderID,
		Symbol:   req.Symbol,
		Quantity: filledQty,
		AvgPrice: avg,
		FilledAt: lastFill.FilledAt,
	}, len(chunks), nil
}

// recordPartial books the already-filled portion of a failed iceberg
// order so the risk tracker keeps matching what the broker actually
// holds. The caller still gets the error.
func (g *Gateway) recordPartial(req OrderRequest, filledQty int, weightedPrice float64) {
	avg := weightedPrice / float64(filledQty)
	if _, err := g.risk.AddPosition(req.Symbol, signOf(req.Side)*filledQty, avg, req.Kind, req.MarginRequired); err != nil {
		log.Error().Err(err).Str("symbol", req.Symbol).Int("quantity", filledQty).
			Msg("failed to record partial fill")
	}
}

// ClosePosition exits an open position through the same gateway: an
// offsetting broker order, then the risk tracker close, then the safety
// controller's trade-result bookkeeping.
func (g *Gateway) ClosePosition(ctx context.Context, positionID string, exitPrice float64) (float64, error) {
	var target *risk.Position
	for _, p := range g.risk.OpenPositions() {
		if p.ID == positionID {
			cp := p
			target = &cp
			break
		}
	}
	if target == nil {
		return 0, risk.ErrPositionNotFound
	}

	side := "SELL"
	qty := target.Quantity
	if qty < 0 {
		side = "BUY"
		qty = -qty
	}

	fill, err := g.broker.Place(ctx, BrokerOrder{
		ID:       uuid.NewString(),
		Symbol:   target.Symbol,
		Side:     side,
		Quantity: qty,
		Price:    exitPrice,
		Kind:     "MARKET",
	})
	if err != nil {
		return 0, &BrokerExecutionError{Err: err, ChunksTotal: 1}
	}

	realized, err := g.risk.ClosePosition(positionID, fill.AvgPrice)
	if err != nil {
		return 0, err
	}

	if g.ledger != nil {
		closed := risk.ClosedPosition{
			Position:  *target,
			ExitPrice: fill.AvgPrice,
			ExitTime:  g.clk.Now(),
		}
		closed.RealizedPnL = realized
		g.ledger.RecordClose(ctx, closed)
	}

	g.safety.RecordTradeResult(ctx, realized)
	g.sink.Log(audit.NewEvent(audit.KindPositionClosed, "info", "position closed",
		map[string]interface{}{
			"position": positionID, "symbol": target.Symbol,
			"exit_price": fill.AvgPrice, "realized_pnl": realized,
		}))

	return realized, nil
}

// FlattenAll closes every open position at its last known price. Called
// by the safety controller on kill switch or emergency stop; errors on
// individual legs are logged and the remaining legs still close.
func (g *Gateway) FlattenAll(ctx context.Context) error {
	positions := g.risk.OpenPositions()
	var firstErr error
	for _, p := range positions {
		if _, err := g.ClosePosition(ctx, p.ID, p.LastPrice); err != nil {
			log.Error().Err(err).Str("position", p.ID).Str("symbol", p.Symbol).
				Msg("failed to flatten position")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	log.Warn().Int("positions", len(positions)).Msg("flatten-all completed")
	return firstErr
}

// CancelAllOrders cancels every pending broker order.
func (g *Gateway) CancelAllOrders(ctx context.Context) error {
	orders, err := g.broker.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("failed to list open orders: %w", err)
	}
	var firstErr error
	for _, o := range orders {
		if err := g.broker.Cancel(ctx, o.ID); err != nil {
			log.Error().Err(err).Str("order", o.ID).Msg("failed to cancel order")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (g *Gateway) auditRejection(req OrderRequest, reason string) {
	g.sink.Log(audit.NewEvent(audit.KindOrderRejected, "warning", "order rejected",
		map[string]interface{}{
			"symbol": req.Symbol, "side": req.Side,
			"quantity": req.Quantity, "reason": reason,
		}))
}

// splitQuantity breaks an order into chunks of at most max.
func splitQuantity(quantity, max int) []int {
	if max <= 0 || quantity <= max {
		return []int{quantity}
	}
	var chunks []int
	remaining := quantity
	for remaining > 0 {
		chunk := remaining
		if chunk > max {
			chunk = max
		}
		chunks = append(chunks, chunk)
		remaining -= chunk
	}
	return chunks
}

func signOf(side string) int {
	if side == "SELL" {
		return -1
	}
	return 1
}
