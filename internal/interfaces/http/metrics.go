package http

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsRegistry holds all Prometheus metrics for the admission plane
type MetricsRegistry struct {
	registry *prometheus.Registry

	OrdersAdmitted  prometheus.Counter
	OrdersRejected  *prometheus.CounterVec
	RateLimited     *prometheus.CounterVec
	BreakerTrips    *prometheus.CounterVec
	OpenPositions   prometheus.Gauge
	Exposure        prometheus.Gauge
	DailyPnL        prometheus.Gauge
	RequestDuration *prometheus.HistogramVec
}

// NewMetricsRegistry creates a registry with all tradegate metrics
func NewMetricsRegistry() *MetricsRegistry {
	m := &MetricsRegistry{
		registry: prometheus.NewRegistry(),

		OrdersAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradegate_orders_admitted_total",
			Help: "Orders that passed all admission checks and were dispatched",
		}),
		OrdersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradegate_orders_rejected_total",
			Help: "Orders rejected by the admission pipeline, by reason",
		}, []string{"reason"}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradegate_rate_limited_total",
			Help: "Requests rejected by the rate limiter, by path class",
		}, []string{"path"}),
		BreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradegate_breaker_trips_total",
			Help: "Circuit breaker trips, by breaker name",
		}, []string{"breaker"}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradegate_open_positions",
			Help: "Currently open positions",
		}),
		Exposure: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradegate_exposure",
			Help: "Total absolute notional exposure",
		}),
		DailyPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradegate_daily_pnl",
			Help: "Realized P&L accumulated today",
		}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tradegate_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}, []string{"path", "status"}),
	}

	m.registry.MustRegister(
		m.OrdersAdmitted, m.OrdersRejected, m.RateLimited, m.BreakerTrips,
		m.OpenPositions, m.Exposure, m.DailyPnL, m.RequestDuration,
	)
	return m
}

// Handler returns the /metrics endpoint handler.
func (m *MetricsRegistry) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
