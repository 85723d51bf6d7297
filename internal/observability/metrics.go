// Package observability provides Prometheus metrics for the market.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the market. A nil *Metrics
// records nothing.
type Metrics struct {
	// Trade metrics
	Buys             *prometheus.CounterVec
	Sells            *prometheus.CounterVec
	DeclinedBuys     *prometheus.CounterVec
	UnitsTraded      *prometheus.CounterVec
	SolverIterations prometheus.Histogram
	Payments         *prometheus.CounterVec

	// Price metrics
	ShownPrice  *prometheus.GaugeVec
	HiddenPrice *prometheus.GaugeVec
	Commodities prometheus.Gauge

	// Engine metrics
	HoldTicks      prometheus.Counter
	TickDuration   prometheus.Histogram
	Saves          *prometheus.CounterVec
	LastSuccessful prometheus.Gauge
}

// NewMetrics registers every metric with reg. A nil reg uses the default
// registerer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "costco"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		Buys: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trade",
			Name:      "buys_total",
			Help:      "Completed purchases by commodity",
		}, []string{"commodity"}),
		Sells: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trade",
			Name:      "sells_total",
			Help:      "Completed sales by commodity",
		}, []string{"commodity"}),
		DeclinedBuys: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trade",
			Name:      "declined_buys_total",
			Help:      "Purchases refused by reason",
		}, []string{"reason"}),
		UnitsTraded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trade",
			Name:      "units_total",
			Help:      "Units traded by side",
		}, []string{"side"}),
		SolverIterations: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "trade",
			Name:      "solver_iterations",
			Help:      "Binary search iterations per affordability solve",
			Buckets:   []float64{1, 2, 4, 6, 8, 10, 12, 16},
		}),
		Payments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wallet",
			Name:      "payments_total",
			Help:      "Player-to-player payments by outcome",
		}, []string{"outcome"}),

		ShownPrice: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "price",
			Name:      "shown",
			Help:      "Current shown price by commodity",
		}, []string{"commodity"}),
		HiddenPrice: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "price",
			Name:      "hidden",
			Help:      "Current hidden price by commodity",
		}, []string{"commodity"}),
		Commodities: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "price",
			Name:      "commodities",
			Help:      "Number of known commodities",
		}),

		HoldTicks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "hold_ticks_total",
			Help:      "Idle drift ticks applied",
		}),
		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "tick_duration_seconds",
			Help:      "Time spent applying one idle tick to every commodity",
			Buckets:   prometheus.DefBuckets,
		}),
		Saves: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "saves_total",
			Help:      "Market saves by status",
		}, []string{"status"}),
		LastSuccessful: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_save_timestamp",
			Help:      "Unix timestamp of last successful save",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves metrics gathered from g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// RecordBuy records a completed purchase.
func (m *Metrics) RecordBuy(commodity string, units int) {
	if m == nil {
		return
	}
	m.Buys.WithLabelValues(commodity).Inc()
	m.UnitsTraded.WithLabelValues("buy").Add(float64(units))
}

// RecordSell records a completed sale.
func (m *Metrics) RecordSell(commodity string, units int) {
	if m == nil {
		return
	}
	m.Sells.WithLabelValues(commodity).Inc()
	m.UnitsTraded.WithLabelValues("sell").Add(float64(units))
}

// RecordDecline records a refused purchase.
func (m *Metrics) RecordDecline(reason string) {
	if m == nil {
		return
	}
	m.DeclinedBuys.WithLabelValues(reason).Inc()
}

// RecordPayment records a payment attempt.
func (m *Metrics) RecordPayment(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.Payments.WithLabelValues("refused").Inc()
		return
	}
	m.Payments.WithLabelValues("ok").Inc()
}

// RecordSolve records one affordability solve.
func (m *Metrics) RecordSolve(iterations int) {
	if m == nil {
		return
	}
	m.SolverIterations.Observe(float64(iterations))
}

// UpdatePrice sets the price gauges for one commodity.
func (m *Metrics) UpdatePrice(commodity string, shown, hidden float64) {
	if m == nil {
		return
	}
	m.ShownPrice.WithLabelValues(commodity).Set(shown)
	m.HiddenPrice.WithLabelValues(commodity).Set(hidden)
}

// RecordTick records one idle tick over n commodities.
func (m *Metrics) RecordTick(n int, d time.Duration) {
	if m == nil {
		return
	}
	m.HoldTicks.Inc()
	m.Commodities.Set(float64(n))
	m.TickDuration.Observe(d.Seconds())
}

// RecordSave records a save attempt.
func (m *Metrics) RecordSave(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.Saves.WithLabelValues("error").Inc()
		return
	}
	m.Saves.WithLabelValues("ok").Inc()
	m.LastSuccessful.SetToCurrentTime()
}
