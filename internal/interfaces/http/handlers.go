package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/naveenvino/tradegate/internal/gateway"
	"github.com/naveenvino/tradegate/internal/risk"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// handlePlaceOrder is the webhook entry point: decode, admit, execute.
func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req gateway.OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid order payload")
		return
	}
	if req.Symbol == "" || req.Quantity <= 0 || req.Price <= 0 {
		writeError(w, http.StatusBadRequest, "symbol, quantity and price are required")
		return
	}
	if req.Side != "BUY" && req.Side != "SELL" {
		writeError(w, http.StatusBadRequest, "side must be BUY or SELL")
		return
	}
	req.ClientKey = clientKey(r)

	// A webhook that reaches us is also a liveness signal.
	s.safety.Heartbeat()

	result, err := s.gateway.PlaceOrder(r.Context(), req)
	if err != nil {
		s.rejectOrder(w, err)
		return
	}

	s.metrics.OrdersAdmitted.Inc()
	s.updateRiskGauges()
	writeJSON(w, http.StatusCreated, result)
}

// rejectOrder maps admission errors to HTTP statuses and metrics.
func (s *Server) rejectOrder(w http.ResponseWriter, err error) {
	var (
		rateErr    *gateway.RateLimitError
		safetyErr  *gateway.SafetyRejectionError
		brokerErr  *gateway.BrokerExecutionError
		breakerErr *risk.CircuitBreakerError
		posErr     *risk.PositionLimitError
		limitErr   *risk.RiskLimitError
		fundsErr   *risk.InsufficientFundsError
	)

	switch {
	case errors.As(err, &rateErr):
		s.metrics.OrdersRejected.WithLabelValues(rateErr.Reason).Inc()
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.As(err, &safetyErr):
		s.metrics.OrdersRejected.WithLabelValues(safetyErr.Reason).Inc()
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, risk.ErrMarketClosed):
		s.metrics.OrdersRejected.WithLabelValues("market_closed").Inc()
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &breakerErr):
		s.metrics.OrdersRejected.WithLabelValues("circuit_breaker").Inc()
		s.metrics.BreakerTrips.WithLabelValues(breakerErr.Breaker).Inc()
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &posErr):
		s.metrics.OrdersRejected.WithLabelValues("position_limit").Inc()
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &limitErr):
		s.metrics.OrdersRejected.WithLabelValues(limitErr.Limit).Inc()
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &fundsErr):
		s.metrics.OrdersRejected.WithLabelValues("insufficient_funds").Inc()
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &brokerErr):
		s.metrics.OrdersRejected.WithLabelValues("broker_error").Inc()
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error":            err.Error(),
			"chunks_succeeded": brokerErr.ChunksSucceeded,
			"chunks_total":     brokerErr.ChunksTotal,
			"filled_quantity":  brokerErr.FilledQuantity,
		})
	default:
		s.metrics.OrdersRejected.WithLabelValues("internal").Inc()
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.risk.OpenPositions())
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var body struct {
		ExitPrice float64 `json:"exit_price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ExitPrice <= 0 {
		writeError(w, http.StatusBadRequest, "exit_price is required")
		return
	}

	realized, err := s.gateway.ClosePosition(r.Context(), id, body.ExitPrice)
	if err != nil {
		if errors.Is(err, risk.ErrPositionNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.rejectOrder(w, err)
		return
	}

	s.updateRiskGauges()
	writeJSON(w, http.StatusOK, map[string]float64{"realized_pnl": realized})
}

func (s *Server) handleRiskStatus(w http.ResponseWriter, r *http.Request) {
	status := s.risk.GetRiskStatus()
	s.updateRiskGauges()
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleSafetyStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.safety.GetSafetyStatus())
}

func (s *Server) handleTriggerKillSwitch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "operator request"
	}

	s.safety.TriggerKillSwitch(r.Context(), body.Reason)
	writeJSON(w, http.StatusOK, s.safety.GetSafetyStatus())
}

func (s *Server) handleReleaseKillSwitch(w http.ResponseWriter, r *http.Request) {
	s.safety.ReleaseKillSwitch(r.Context())
	writeJSON(w, http.StatusOK, s.safety.GetSafetyStatus())
}

func (s *Server) handleTriggerEmergencyStop(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "operator request"
	}

	s.safety.TriggerEmergencyStop(r.Context(), body.Reason)
	writeJSON(w, http.StatusOK, s.safety.GetSafetyStatus())
}

func (s *Server) handleReleaseEmergencyStop(w http.ResponseWriter, r *http.Request) {
	s.safety.ReleaseEmergencyStop(r.Context())
	writeJSON(w, http.StatusOK, s.safety.GetSafetyStatus())
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	s.safety.Heartbeat()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRateLimitStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.limiter.Stats())
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeError(w, http.StatusNotFound, "ledger not configured")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := s.ledger.ListRecent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snapshot := s.safety.GetSafetyStatus()
	status := "healthy"
	code := http.StatusOK
	if snapshot.KillSwitch || snapshot.EmergencyStop {
		status = "halted"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status": status,
		"safety": snapshot.Status,
		"time":   time.Now().UTC(),
	})
}

// updateRiskGauges refreshes the prometheus gauges from a risk snapshot.
func (s *Server) updateRiskGauges() {
	status := s.risk.GetRiskStatus()
	s.metrics.OpenPositions.Set(float64(status.PositionCount))
	s.metrics.Exposure.Set(status.Exposure)
	s.metrics.DailyPnL.Set(status.DailyPnL)
}
