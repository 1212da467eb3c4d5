// Package http exposes the admission plane over a small read/write REST
// surface: order placement for the charting-tool webhook, status
// snapshots, and the operator halt/release controls.
package http

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/naveenvino/tradegate/internal/config"
	"github.com/naveenvino/tradegate/internal/gateway"
	"github.com/naveenvino/tradegate/internal/persistence"
	"github.com/naveenvino/tradegate/internal/ratelimit"
	"github.com/naveenvino/tradegate/internal/risk"
	"github.com/naveenvino/tradegate/internal/safety"
)

// Server is the HTTP front of the admission plane.
type Server struct {
	router  *mux.Router
	server  *http.Server
	config  config.ServerConfig
	metrics *MetricsRegistry

	gateway *gateway.Gateway
	risk    *risk.Tracker
	safety  *safety.Controller
	limiter *ratelimit.Limiter
	ledger  persistence.LedgerRepo // nil when no database is configured
}

// SetLedgerRepo enables the /api/ledger endpoint. Call before Start.
func (s *Server) SetLedgerRepo(repo persistence.LedgerRepo) {
	s.ledger = repo
}

// NewServer creates the HTTP server and verifies the port is free.
func NewServer(cfg config.ServerConfig, gw *gateway.Gateway, tracker *risk.Tracker,
	safetyCtl *safety.Controller, limiter *ratelimit.Limiter, metrics *MetricsRegistry) (*Server, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("port %d is busy or unavailable: %w", cfg.Port, err)
	}
	listener.Close()

	s := &Server{
		router:  mux.NewRouter(),
		config:  cfg,
		metrics: metrics,
		gateway: gw,
		risk:    tracker,
		safety:  safetyCtl,
		limiter: limiter,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)

	// Order admission consumes its rate-limit token inside the gateway;
	// everything else is limited at the middleware.
	api := s.router.PathPrefix("/api").Subrouter()
	api.Handle("/orders", http.HandlerFunc(s.handlePlaceOrder)).Methods(http.MethodPost)

	limited := api.NewRoute().Subrouter()
	limited.Use(s.rateLimitMiddleware)
	limited.HandleFunc("/positions", s.handleListPositions).Methods(http.MethodGet)
	limited.HandleFunc("/positions/{id}/close", s.handleClosePosition).Methods(http.MethodPost)
	limited.HandleFunc("/risk", s.handleRiskStatus).Methods(http.MethodGet)
	limited.HandleFunc("/safety", s.handleSafetyStatus).Methods(http.MethodGet)
	limited.HandleFunc("/safety/killswitch", s.handleTriggerKillSwitch).Methods(http.MethodPost)
	limited.HandleFunc("/safety/killswitch", s.handleReleaseKillSwitch).Methods(http.MethodDelete)
	limited.HandleFunc("/safety/emergency", s.handleTriggerEmergencyStop).Methods(http.MethodPost)
	limited.HandleFunc("/safety/emergency", s.handleReleaseEmergencyStop).Methods(http.MethodDelete)
	limited.HandleFunc("/safety/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	limited.HandleFunc("/ratelimit", s.handleRateLimitStats).Methods(http.MethodGet)
	limited.HandleFunc("/ledger", s.handleLedger).Methods(http.MethodGet)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("HTTP server starting")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("HTTP server shutting down")
	return s.server.Shutdown(ctx)
}

// clientKey identifies the caller for rate limiting: the API key header
// when present, the remote address otherwise.
func clientKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// loggingMiddleware logs each request with duration and status.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		s.metrics.RequestDuration.WithLabelValues(r.URL.Path, fmt.Sprintf("%d", rec.status)).
			Observe(elapsed.Seconds())
		log.Debug().Str("method", r.Method).Str("path", r.URL.Path).
			Int("status", rec.status).Dur("elapsed", elapsed).Msg("request")
	})
}

// rateLimitMiddleware rejects callers over their limit with 429.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if allowed, reason := s.limiter.Allow(clientKey(r), r.URL.Path); !allowed {
			s.metrics.RateLimited.WithLabelValues(r.URL.Path).Inc()
			writeError(w, http.StatusTooManyRequests, reason)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
