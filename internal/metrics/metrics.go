package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestLatency  *prometheus.HistogramVec
	CostUSD         *prometheus.CounterVec
	CircuitState    *prometheus.GaugeVec
	BudgetUsage     *prometheus.GaugeVec
	RateLimited     prometheus.Counter
	FallbacksTotal  *prometheus.CounterVec
	DecisionLatency prometheus.Histogram
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_requests_total",
			Help: "Total requests executed through the arbitration engine",
		}, []string{"tenant", "model", "provider", "status"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arbiter_request_latency_ms",
			Help:    "Upstream request latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}, []string{"model", "provider"}),
		CostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_cost_usd_total",
			Help: "Recorded USD cost of upstream usage",
		}, []string{"tenant", "model", "provider"}),
		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "arbiter_circuit_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"circuit"}),
		BudgetUsage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "arbiter_budget_usage_ratio",
			Help: "Budget used/amount ratio after the last debit",
		}, []string{"budget"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arbiter_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		}),
		FallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_fallbacks_total",
			Help: "Fallback attempts walked after a primary model failure",
		}, []string{"provider"}),
		DecisionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "arbiter_decision_latency_ms",
			Help:    "Arbitration decision latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
	reg.MustRegister(
		m.RequestsTotal, m.RequestLatency, m.CostUSD, m.CircuitState,
		m.BudgetUsage, m.RateLimited, m.FallbacksTotal, m.DecisionLatency,
	)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
