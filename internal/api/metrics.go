package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/talgya/mix-economy/internal/engine"
)

// Metrics exposes simulation readings in the Prometheus text format. Each
// instance owns its registry so tests and multiple servers don't collide.
type Metrics struct {
	Registry *prometheus.Registry

	period          prometheus.Gauge
	players         prometheus.Gauge
	gini            *prometheus.GaugeVec
	smoothedGini    *prometheus.GaugeVec
	tax             *prometheus.GaugeVec
	trades          *prometheus.CounterVec
	solveIterations prometheus.Histogram
}

// NewMetrics creates and registers the simulation collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		period: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mixsim",
			Name:      "period",
			Help:      "Last completed period.",
		}),
		players: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mixsim",
			Name:      "players",
			Help:      "Number of players in each economy.",
		}),
		gini: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mixsim",
			Name:      "gini",
			Help:      "Gini coefficient after the last period.",
		}, []string{"economy"}),
		smoothedGini: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mixsim",
			Name:      "gini_smoothed",
			Help:      "Exponentially smoothed Gini coefficient at the last report.",
		}, []string{"economy"}),
		tax: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mixsim",
			Name:      "tax",
			Help:      "Tax rate applied in the last period.",
		}, []string{"economy"}),
		trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mixsim",
			Name:      "transactions_total",
			Help:      "Peer transactions by outcome.",
		}, []string{"economy", "outcome"}),
		solveIterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mixsim",
			Name:      "solve_iterations",
			Help:      "Candidate taxes evaluated per solve.",
			Buckets:   prometheus.LinearBuckets(0, 10, 12),
		}),
	}
	m.Registry.MustRegister(m.period, m.players, m.gini, m.smoothedGini, m.tax, m.trades, m.solveIterations)
	return m
}

// ObservePeriod records the readings of one period. Non-finite Gini values
// leave the previous gauge value in place.
func (m *Metrics) ObservePeriod(st engine.PeriodStats) {
	m.period.Set(float64(st.Period))
	m.players.Set(float64(st.Players))
	if st.RegulatedGini.Finite() {
		m.gini.WithLabelValues("regulated").Set(float64(st.RegulatedGini))
	}
	if st.BaselineGini.Finite() {
		m.gini.WithLabelValues("baseline").Set(float64(st.BaselineGini))
	}
	m.tax.WithLabelValues("regulated").Set(st.RegulatedTax)
	m.tax.WithLabelValues("baseline").Set(st.BaselineTax)
	m.trades.WithLabelValues("regulated", "accepted").Add(float64(st.RegulatedTrades.Accepted))
	m.trades.WithLabelValues("regulated", "rejected").Add(float64(st.RegulatedTrades.Rejected))
	m.trades.WithLabelValues("baseline", "accepted").Add(float64(st.BaselineTrades.Accepted))
	m.trades.WithLabelValues("baseline", "rejected").Add(float64(st.BaselineTrades.Rejected))
	m.solveIterations.Observe(float64(st.SolveIterations))
}

// ObserveReport records the smoothed averages of a report.
func (m *Metrics) ObserveReport(rep engine.Report) {
	m.smoothedGini.WithLabelValues("regulated").Set(rep.Smoothed.RegulatedGini)
	m.smoothedGini.WithLabelValues("baseline").Set(rep.Smoothed.BaselineGini)
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
